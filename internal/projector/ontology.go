package projector

import "github.com/user/agentstream/internal/types"

type OntologyValue struct {
	Ontology map[string]any `json:"ontology,omitempty"`
	Version  int            `json:"version"`
}

// Ontology projects ontology_* events. Every update is pushed to the
// notifier; ontology_finalized also marks it ready.
type Ontology struct {
	art    Artifact[OntologyValue]
	notify Notifier
}

func NewOntology(notify Notifier) *Ontology {
	return &Ontology{notify: notify}
}

func (p *Ontology) Name() string { return "ontology" }

func (p *Ontology) Handles() []string {
	return []string{"ontology_proposed", "ontology_updated", "ontology_finalized"}
}

func (p *Ontology) Artifact() Artifact[OntologyValue] { return p.art }

func (p *Ontology) Apply(ev types.Sequenced) types.Effect {
	body := toMap(payload(ev, "ontology"))
	if !ev.Has("ontology") {
		delete(body, "event_type")
	}
	value := OntologyValue{Ontology: body, Version: p.art.Value.Version + 1}
	if len(body) == 0 {
		value.Ontology = p.art.Value.Ontology
	}

	ready := ev.Type == "ontology_finalized"
	p.art = Artifact[OntologyValue]{Value: value, Ready: ready || p.art.Ready, Seq: ev.Seq}

	if ev.Type != "ontology_proposed" {
		p.notify(Notification{Kind: NotifyOntology, Payload: value.Ontology, Seq: ev.Seq})
	}
	if ready {
		return types.EffectChanged | types.EffectYield
	}
	return types.EffectChanged
}
