package projector

import (
	"bytes"
	"encoding/json"
	"slices"
	"sort"

	"github.com/user/agentstream/internal/types"
)

// ScopeValue is the flat scope shape. Rich entity lists are normalized
// into it.
type ScopeValue struct {
	Entities   []string            `json:"entities"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	Filters    []string            `json:"filters,omitempty"`
	Confidence string              `json:"confidence,omitempty"`
}

// Scope projects scope_* events.
type Scope struct {
	art  Artifact[ScopeValue]
	prev ScopeValue
}

func NewScope() *Scope { return &Scope{} }

func (p *Scope) Name() string { return "scope" }

func (p *Scope) Handles() []string {
	return []string{"scope_updated", "scope_update", "scope_ready"}
}

func (p *Scope) Artifact() Artifact[ScopeValue] { return p.art }

func (p *Scope) Apply(ev types.Sequenced) types.Effect {
	obj := payload(ev, "scope", "data_scope")
	value, ok := normalizeScope(obj)

	ready := ev.Type == "scope_ready"
	if b, found := boolField(obj, "ready", "is_ready"); found {
		ready = ready || b
	} else if b, found := boolField(payload(ev), "ready", "is_ready"); found {
		ready = ready || b
	}

	if !ok {
		if !ready {
			return 0
		}
		value = p.art.Value
	} else {
		p.prev = p.art.Value
	}
	if value.Confidence == "high" {
		ready = true
	}

	p.art = Artifact[ScopeValue]{Value: value, Ready: ready, Seq: ev.Seq}
	if ready {
		return types.EffectChanged | types.EffectYield
	}
	return types.EffectChanged
}

// ChangedEntities lists entities that are new or whose attributes or
// membership changed in the latest update.
func (p *Scope) ChangedEntities() []string {
	cur := p.art.Value
	seen := make(map[string]bool, len(p.prev.Entities))
	for _, e := range p.prev.Entities {
		seen[e] = true
	}
	var out []string
	for _, e := range cur.Entities {
		if !seen[e] || !slices.Equal(cur.Attributes[e], p.prev.Attributes[e]) {
			out = append(out, e)
		}
	}
	return out
}

type richEntity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Attributes []json.RawMessage `json:"attributes"`
	Filters    []json.RawMessage `json:"filters"`
}

// normalizeScope accepts either the legacy flat shape or a rich entity
// list. It returns false when obj carries no scope at all.
func normalizeScope(obj map[string]json.RawMessage) (ScopeValue, bool) {
	raw, ok := obj["entities"]
	if !ok {
		return ScopeValue{}, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ScopeValue{}, false
	}

	v := ScopeValue{
		Entities:   []string{},
		Attributes: make(map[string][]string),
		Confidence: str(obj, "confidence"),
	}
	for _, item := range items {
		var name string
		if json.Unmarshal(item, &name) == nil {
			if name != "" && !slices.Contains(v.Entities, name) {
				v.Entities = append(v.Entities, name)
			}
			continue
		}
		var ent richEntity
		if json.Unmarshal(item, &ent) != nil {
			continue
		}
		id := ent.ID
		if id == "" {
			id = ent.Name
		}
		if id == "" {
			continue
		}
		if !slices.Contains(v.Entities, id) {
			v.Entities = append(v.Entities, id)
		}
		for _, a := range ent.Attributes {
			if s := nameOf(a); s != "" {
				v.Attributes[id] = append(v.Attributes[id], s)
			}
		}
		for _, f := range ent.Filters {
			if s := nameOf(f); s != "" {
				v.Filters = append(v.Filters, s)
			}
		}
	}

	var attrs map[string][]string
	if raw, ok := obj["attributes"]; ok && json.Unmarshal(raw, &attrs) == nil {
		for id, list := range attrs {
			v.Attributes[id] = append(v.Attributes[id], list...)
		}
	}
	if raw, ok := obj["filters"]; ok {
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil {
			for _, f := range list {
				if s := nameOf(f); s != "" {
					v.Filters = append(v.Filters, s)
				}
			}
		}
	}
	for id := range v.Attributes {
		sort.Strings(v.Attributes[id])
	}
	return v, true
}

// nameOf reads a string, an object's name/id, or falls back to compact JSON.
func nameOf(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		if n := str(obj, "name", "id"); n != "" {
			return n
		}
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) != nil {
		return ""
	}
	return buf.String()
}
