package scheduler

// State is the scheduler's position in the refresh pipeline. It is
// informational only; mutual exclusion comes from the single run loop.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateTransforming
	StateFiltering
	StateAggregating
	StateRendering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateTransforming:
		return "transforming"
	case StateFiltering:
		return "filtering"
	case StateAggregating:
		return "aggregating"
	case StateRendering:
		return "rendering"
	default:
		return "unknown"
	}
}
