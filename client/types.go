package client

import "time"

// OSType is the backend host's operating system family, discovered during
// Init from GET /system_stats (spec §3, §6).
type OSType string

const (
	OSUnknown OSType = "Unknown"
	OSPOSIX   OSType = "POSIX"
	OSNT      OSType = "NT"
)

// CredentialKind selects which of the three supported authentication schemes
// a Client presents on HTTP requests and (where the transport supports it) on
// the streaming channel's handshake (spec §4.2, §6).
type CredentialKind int

const (
	CredNone CredentialKind = iota
	CredBasic
	CredBearer
	CredHeaders
)

// Credentials configures per-backend authentication. Exactly the fields for
// Kind are read; the others are ignored.
type Credentials struct {
	Kind CredentialKind

	// Basic
	Username string
	Password string

	// Bearer
	Token string

	// Headers — applied verbatim, Kind == CredHeaders.
	Headers map[string]string
}

// State is a point-in-time snapshot of a Client's observable state (spec §3).
type State struct {
	ID           string
	Host         string
	OSType       OSType
	Ready        bool
	Destroyed    bool
	LastActivity time.Time
	Credentials  CredentialKind
}

// QueuePromptResponse is returned by QueuePrompt on success.
type QueuePromptResponse struct {
	PromptID    string
	Number      int
	NodeErrors  map[string]any
}

// QueueEntry describes one running or pending item as reported by GET /queue.
type QueueEntry struct {
	Number   int
	PromptID string
}

// QueueStatus is the backend's current queue snapshot (GET /queue).
type QueueStatus struct {
	Running        []QueueEntry
	Pending        []QueueEntry
	QueueRemaining int
}

// HistoryEntry is one backend-reported execution record (GET /history/{id}).
type HistoryEntry struct {
	PromptID string
	Status   string
	Outputs  map[string]any // node id -> output payload
}

// SystemStats mirrors the subset of GET /system_stats the dispatcher reads.
type SystemStats struct {
	OS      string
	Devices []map[string]any
	Raw     map[string]any
}

// NodeDef is one entry from GET /object_info: the node's declared inputs,
// used to extract enum slots for GetCheckpoints/GetLoras/etc.
type NodeDef struct {
	Name   string
	Inputs map[string]any // raw "input" object (its "required"/"optional" maps)
}

// SamplerInfo mirrors the sampler/scheduler enum lists a backend exposes.
type SamplerInfo struct {
	Samplers   []string
	Schedulers []string
}

// ImageRef identifies a stored artifact for GetPathImage/GetImage/UploadMask.
type ImageRef struct {
	Filename  string
	Subfolder string
	Type      string // e.g. "input", "output", "temp"
}

// UploadOptions configures UploadImage.
type UploadOptions struct {
	Subfolder string
	Overwrite bool
}

// UploadResult is returned by UploadImage/UploadMask.
type UploadResult struct {
	Info    ImageRef
	ViewURL string
}
