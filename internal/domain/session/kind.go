package session

// Kind identifies the category of work a session performs.
type Kind string

const (
	// KindTraining is a model training run.
	KindTraining Kind = "training"

	// KindBacktest is a strategy backtest over historical data.
	KindBacktest Kind = "backtest"

	// KindLiveRun is a live execution run.
	KindLiveRun Kind = "live-run"

	// KindUnspecified is the zero value for unrecognized kinds.
	KindUnspecified Kind = ""
)

func (k Kind) String() string { return string(k) }

// ParseKind converts a string to a Kind. Unrecognized values map to
// KindUnspecified.
func ParseKind(s string) Kind {
	switch s {
	case "training":
		return KindTraining
	case "backtest":
		return KindBacktest
	case "live-run":
		return KindLiveRun
	default:
		return KindUnspecified
	}
}
