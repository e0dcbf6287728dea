package conversation

// Stage is one of the ordered outbound messages. A run never revisits a stage.
type Stage int

const (
	StageInitial Stage = iota
	StageFollowUp
	StageFinal
)

var stages = []Stage{StageInitial, StageFollowUp, StageFinal}

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "initial"
	case StageFollowUp:
		return "follow_up"
	case StageFinal:
		return "final"
	default:
		return "unknown"
	}
}

type State int

const (
	StateIdle State = iota
	StateAwaitingInitialReply
	StateAwaitingFollowUpReply
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInitialReply:
		return "awaiting_initial_reply"
	case StateAwaitingFollowUpReply:
		return "awaiting_follow_up_reply"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// after returns the state entered once stage was sent.
func after(stage Stage) State {
	switch stage {
	case StageInitial:
		return StateAwaitingInitialReply
	case StageFollowUp:
		return StateAwaitingFollowUpReply
	default:
		return StateCompleted
	}
}
