// Package projector reduces side-channel events into typed artifacts:
// intent, scope, execution, team, clarification, ontology and workflow.
// Each projector is independent; the session fans events out to every
// projector subscribed to the event's type.
package projector

import (
	"encoding/json"
	"log/slog"

	"github.com/user/agentstream/internal/types"
)

// Projector owns one artifact kind.
type Projector interface {
	Name() string
	Handles() []string
	Apply(ev types.Sequenced) types.Effect
}

// Artifact is a typed side-channel value. It is replaced wholesale on
// every update, never merged.
type Artifact[T any] struct {
	Value T     `json:"value"`
	Ready bool  `json:"ready"`
	Seq   int64 `json:"seq"`
}

// NotificationKind names the external callback a projector asks for.
type NotificationKind string

const (
	NotifyIntent   NotificationKind = "intent"
	NotifyOntology NotificationKind = "ontology"
)

// Notification asks the owner to push a change outward, for example to
// persist an updated intent.
type Notification struct {
	Kind NotificationKind
	Text string
	// Hash identifies the normalized content for notify-once handling.
	Hash    string
	Payload map[string]any
	Seq     int64
}

// Notifier receives notifications synchronously while the session lock is
// held; it must not block.
type Notifier func(Notification)

// Options configures a Set.
type Options struct {
	Notify Notifier
	Logger *slog.Logger
}

// Set is the full projector lineup for one session.
type Set struct {
	Intent        *Intent
	Scope         *Scope
	Execution     *Execution
	Team          *Team
	Clarification *Clarification
	Ontology      *Ontology
	Workflow      *Workflow

	byType map[string][]Projector
	logger *slog.Logger
}

// NewSet creates every projector and indexes them by event type.
func NewSet(opts Options) *Set {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Notification) {}
	}

	s := &Set{
		Intent:        NewIntent(notify),
		Scope:         NewScope(),
		Execution:     NewExecution(),
		Team:          NewTeam(),
		Clarification: NewClarification(),
		Ontology:      NewOntology(notify),
		Workflow:      NewWorkflow(),
		byType:        make(map[string][]Projector),
		logger:        opts.Logger,
	}
	for _, p := range s.All() {
		for _, t := range p.Handles() {
			s.byType[t] = append(s.byType[t], p)
		}
	}
	return s
}

// All returns the projectors in a fixed order.
func (s *Set) All() []Projector {
	return []Projector{s.Intent, s.Scope, s.Execution, s.Team, s.Clarification, s.Ontology, s.Workflow}
}

// Handles reports whether any projector subscribes to eventType.
func (s *Set) Handles(eventType string) bool {
	return len(s.byType[eventType]) > 0
}

// Apply dispatches ev to its subscribers.
func (s *Set) Apply(ev types.Sequenced) types.Effect {
	var eff types.Effect
	for _, p := range s.byType[ev.Type] {
		eff |= s.apply(p, ev)
	}
	return eff
}

func (s *Set) apply(p Projector, ev types.Sequenced) (eff types.Effect) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("projector panicked",
				"projector", p.Name(),
				"event_type", ev.Type,
				"panic", r,
			)
			eff = 0
		}
	}()
	return p.Apply(ev)
}

// Adopt copies prev's artifacts into s, keeping s's notifier. Clarification
// answers carry over so replay after a restart cannot resurrect them.
func (s *Set) Adopt(prev *Set) {
	s.Intent.art = prev.Intent.art
	s.Intent.persisted = cloneSet(prev.Intent.persisted)
	s.Scope.art, s.Scope.prev = prev.Scope.art, prev.Scope.prev
	s.Execution.art = prev.Execution.art
	s.Team.art = prev.Team.art
	s.Clarification.art = prev.Clarification.art
	s.Clarification.answered = cloneSet(prev.Clarification.answered)
	s.Ontology.art = prev.Ontology.art
	s.Workflow.status, s.Workflow.err = prev.Workflow.status, prev.Workflow.err
}

// Artifacts is a point-in-time copy of every artifact.
type Artifacts struct {
	Intent               Artifact[IntentValue]        `json:"intent"`
	Scope                Artifact[ScopeValue]         `json:"scope"`
	ScopeChangedEntities []string                     `json:"scope_changed_entities,omitempty"`
	Execution            Artifact[ExecutionValue]     `json:"execution"`
	Team                 Artifact[TeamValue]          `json:"team"`
	Clarification        Artifact[ClarificationValue] `json:"clarification"`
	Ontology             Artifact[OntologyValue]      `json:"ontology"`
	Workflow             Artifact[WorkflowValue]      `json:"workflow"`
	WorkflowError        Artifact[WorkflowError]      `json:"workflow_error"`
}

func (s *Set) Snapshot() Artifacts {
	return Artifacts{
		Intent:               s.Intent.Artifact(),
		Scope:                s.Scope.Artifact(),
		ScopeChangedEntities: s.Scope.ChangedEntities(),
		Execution:            s.Execution.Artifact(),
		Team:                 s.Team.Artifact(),
		Clarification:        s.Clarification.Artifact(),
		Ontology:             s.Ontology.Artifact(),
		Workflow:             s.Workflow.Status(),
		WorkflowError:        s.Workflow.Error(),
	}
}

// payload returns the object stored under the first present key, or the
// event's own fields when none is present.
func payload(ev types.Sequenced, keys ...string) map[string]json.RawMessage {
	for _, k := range keys {
		var obj map[string]json.RawMessage
		if ev.Decode(k, &obj) {
			return obj
		}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(ev.Raw(), &obj); err != nil {
		return nil
	}
	return obj
}

func str(obj map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if raw, ok := obj[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func boolField(obj map[string]json.RawMessage, keys ...string) (bool, bool) {
	for _, k := range keys {
		var b bool
		if raw, ok := obj[k]; ok && json.Unmarshal(raw, &b) == nil {
			return b, true
		}
	}
	return false, false
}

func toMap(obj map[string]json.RawMessage) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, raw := range obj {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			out[k] = v
		}
	}
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
