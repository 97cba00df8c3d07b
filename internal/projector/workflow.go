package projector

import "github.com/user/agentstream/internal/types"

type WorkflowValue struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// WorkflowError is the last backend-reported error.
type WorkflowError struct {
	EventType string  `json:"event_type"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// Workflow tracks run status and the workflow error. Errors are fatal to
// the current turn.
type Workflow struct {
	status Artifact[WorkflowValue]
	err    Artifact[WorkflowError]
}

func NewWorkflow() *Workflow { return &Workflow{} }

func (p *Workflow) Name() string { return "workflow" }

func (p *Workflow) Handles() []string {
	return []string{"workflow_started", "workflow_complete", "workflow_error", "execution_error", "error"}
}

func (p *Workflow) Status() Artifact[WorkflowValue] { return p.status }

func (p *Workflow) Error() Artifact[WorkflowError] { return p.err }

func (p *Workflow) Apply(ev types.Sequenced) types.Effect {
	id := firstString(ev, "workflow_id", "run_id")
	if id == "" {
		id = p.status.Value.WorkflowID
	}

	switch ev.Type {
	case "workflow_started":
		p.status = Artifact[WorkflowValue]{Value: WorkflowValue{Status: StatusRunning, WorkflowID: id}, Seq: ev.Seq}
		p.err = Artifact[WorkflowError]{}
		return types.EffectChanged
	case "workflow_complete":
		p.status = Artifact[WorkflowValue]{Value: WorkflowValue{Status: StatusComplete, WorkflowID: id}, Ready: true, Seq: ev.Seq}
		return types.EffectChanged | types.EffectYield
	default:
		p.Fail(ev)
		return types.EffectChanged | types.EffectFatal
	}
}

// Fail records ev as the workflow error.
func (p *Workflow) Fail(ev types.Sequenced) {
	msg := firstString(ev, "error", "message", "detail")
	if msg == "" {
		msg = "the workflow failed"
	}
	p.status = Artifact[WorkflowValue]{
		Value: WorkflowValue{Status: StatusFailed, WorkflowID: p.status.Value.WorkflowID},
		Ready: true,
		Seq:   ev.Seq,
	}
	p.err = Artifact[WorkflowError]{
		Value: WorkflowError{EventType: ev.Type, Message: msg, Timestamp: ev.Timestamp},
		Ready: true,
		Seq:   ev.Seq,
	}
}
