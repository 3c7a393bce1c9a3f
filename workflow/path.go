package workflow

import (
	"strconv"
	"strings"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
)

// reservedSegments are path components that would alias an internal object
// representation (prototype pollution vector in the source SDK's host
// language). Spec §3/§4.1 requires these be rejected hard, regardless of
// where in the path they appear.
var reservedSegments = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// splitPath splits a dotted path string into segments, traversing separators
// literally as spec §4.1 requires (no escaping support).
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// validatePath rejects any path containing a reserved segment.
func validatePath(path string) error {
	for _, seg := range splitPath(path) {
		if _, bad := reservedSegments[seg]; bad {
			return comfyerrors.ErrInvalidPath
		}
	}
	return nil
}

// getPath resolves a dotted path against root, returning the value and
// whether every segment was found.
func getPath(root any, path string) (any, bool) {
	cur := root
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at the dotted path into root, creating intermediate
// map[string]any objects where absent, exactly as spec §4.1 requires. root
// must itself be a map[string]any (the Workflow's node map or a node's own
// field map). Returns comfyerrors.ErrInvalidPath if any segment is reserved.
func setPath(root map[string]any, path string, value any) error {
	if err := validatePath(path); err != nil {
		return err
	}
	segs := splitPath(path)
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}
		if m, ok := next.(map[string]any); ok {
			cur = m
			continue
		}
		// Overwrite a non-object with a fresh object so the write can
		// proceed — matches the JS assignment pattern the source SDK
		// relies on (`a.b = a.b || {}`).
		m := make(map[string]any)
		cur[seg] = m
		cur = m
	}
	cur[segs[len(segs)-1]] = value
	return nil
}
