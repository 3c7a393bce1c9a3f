package pool

// Mode selects the client-selection policy (spec §4.4).
type Mode int

const (
	// PickZero chooses the first eligible client with queueDepth == 0.
	PickZero Mode = iota
	// PickLowest chooses the eligible client with the smallest queueDepth,
	// ties broken by insertion order.
	PickLowest
	// PickRoutine cycles through eligible clients round-robin.
	PickRoutine
)

func (m Mode) String() string {
	switch m {
	case PickZero:
		return "PICK_ZERO"
	case PickLowest:
		return "PICK_LOWEST"
	case PickRoutine:
		return "PICK_ROUTINE"
	default:
		return "unknown"
	}
}

// eligible reports whether the client with this state may be selected at all, ignoring
// the current policy: online, not locked, and passing the include/exclude
// filter (spec §4.4 "client selection algorithm").
func eligible(state *clientState, opts jobOptions) bool {
	if !state.Online || state.Locked {
		return false
	}
	if len(opts.includeIDs) > 0 {
		_, ok := opts.includeIDs[state.ID]
		return ok
	}
	if len(opts.excludeIDs) > 0 {
		_, excluded := opts.excludeIDs[state.ID]
		return !excluded
	}
	return true
}

// selectClient runs the configured policy over states, returning the chosen
// index and true, or false if no client is currently eligible. The caller
// holds the pool mutex. routineIdx is read and advanced in place: every
// PickRoutine invocation that finds at least one eligible client picks
// candidates[routineIdx % len(candidates)] and advances the cursor; an
// invocation with no eligible client leaves it unchanged (dispatcher.go's
// loop retries selection on every wake-up or backoff tick).
func selectClient(mode Mode, states []*clientState, opts jobOptions, routineIdx *int) (int, bool) {
	var candidates []int
	for i, s := range states {
		if eligible(s, opts) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	switch mode {
	case PickZero:
		for _, i := range candidates {
			if states[i].QueueDepth == 0 {
				return i, true
			}
		}
		return 0, false

	case PickLowest:
		best := candidates[0]
		for _, i := range candidates[1:] {
			if states[i].QueueDepth < states[best].QueueDepth {
				best = i
			}
		}
		return best, true

	case PickRoutine:
		idx := candidates[*routineIdx%len(candidates)]
		*routineIdx++
		return idx, true

	default:
		return 0, false
	}
}
