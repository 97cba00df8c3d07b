package projector

import "github.com/user/agentstream/internal/types"

// EntityProgress is the execution state of one entity.
type EntityProgress struct {
	Entity   string  `json:"entity"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// ExecutionValue holds per-entity progress, in first-seen order, and the
// final results.
type ExecutionValue struct {
	Status   string           `json:"status"`
	Entities []EntityProgress `json:"entities,omitempty"`
	Results  []any            `json:"results,omitempty"`
	Error    string           `json:"error,omitempty"`
}

const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Execution projects execution_* and entity_complete events.
type Execution struct {
	art Artifact[ExecutionValue]
}

func NewExecution() *Execution { return &Execution{} }

func (p *Execution) Name() string { return "execution" }

func (p *Execution) Handles() []string {
	return []string{"execution_progress", "entity_complete", "execution_complete", "execution_error"}
}

func (p *Execution) Artifact() Artifact[ExecutionValue] { return p.art }

func (p *Execution) Apply(ev types.Sequenced) types.Effect {
	cur := p.art.Value
	next := ExecutionValue{
		Status:   cur.Status,
		Entities: append([]EntityProgress(nil), cur.Entities...),
		Results:  append([]any(nil), cur.Results...),
		Error:    cur.Error,
	}
	ready := p.art.Ready
	var eff types.Effect = types.EffectChanged

	switch ev.Type {
	case "execution_progress":
		next.Status = StatusRunning
		if entity := firstString(ev, "entity", "entity_id", "entity_name"); entity != "" {
			var progress float64
			ev.Decode("progress", &progress)
			status := ev.String("status")
			if status == "" {
				status = StatusRunning
			}
			next.upsert(EntityProgress{Entity: entity, Status: status, Progress: progress, Message: ev.Message})
		}
	case "entity_complete":
		if next.Status == "" {
			next.Status = StatusRunning
		}
		if entity := firstString(ev, "entity", "entity_id", "entity_name"); entity != "" {
			next.upsert(EntityProgress{Entity: entity, Status: StatusComplete, Progress: 1, Message: ev.Message})
		}
		var result any
		if ev.Decode("result", &result) {
			next.Results = append(next.Results, result)
		}
	case "execution_complete":
		next.Status = StatusComplete
		var results []any
		if ev.Decode("results", &results) {
			next.Results = results
		}
		ready = true
		eff |= types.EffectYield
	case "execution_error":
		next.Status = StatusFailed
		next.Error = firstString(ev, "error", "message", "detail")
	default:
		return 0
	}

	p.art = Artifact[ExecutionValue]{Value: next, Ready: ready, Seq: ev.Seq}
	return eff
}

func (v *ExecutionValue) upsert(e EntityProgress) {
	for i := range v.Entities {
		if v.Entities[i].Entity == e.Entity {
			if v.Entities[i].Status == StatusComplete && e.Status != StatusComplete {
				return
			}
			v.Entities[i] = e
			return
		}
	}
	v.Entities = append(v.Entities, e)
}
