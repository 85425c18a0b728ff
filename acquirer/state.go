package acquirer

type State int

const (
	Idle State = iota
	Quoting
	Funding
	AwaitingConfirmation
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Quoting:
		return "quoting"
	case Funding:
		return "funding"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
