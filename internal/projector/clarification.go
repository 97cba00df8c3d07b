package projector

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/user/agentstream/internal/types"
)

// Question is one pending clarification.
type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Context  string   `json:"context,omitempty"`
}

type ClarificationValue struct {
	Pending []Question `json:"pending"`
}

// Clarification keeps the ordered queue of unanswered questions. Answered
// ids are remembered for the session's lifetime.
type Clarification struct {
	art      Artifact[ClarificationValue]
	answered map[string]struct{}
}

func NewClarification() *Clarification {
	return &Clarification{answered: make(map[string]struct{})}
}

func (p *Clarification) Name() string { return "clarification" }

func (p *Clarification) Handles() []string {
	return []string{"clarification_needed"}
}

func (p *Clarification) Artifact() Artifact[ClarificationValue] { return p.art }

func (p *Clarification) Apply(ev types.Sequenced) types.Effect {
	incoming := decodeQuestions(ev)
	if len(incoming) == 0 {
		return 0
	}

	pending := append([]Question(nil), p.art.Value.Pending...)
	for _, q := range incoming {
		if _, done := p.answered[q.ID]; done {
			continue
		}
		replaced := false
		for i := range pending {
			if pending[i].ID == q.ID {
				pending[i] = q
				replaced = true
				break
			}
		}
		if !replaced {
			pending = append(pending, q)
		}
	}

	p.art = Artifact[ClarificationValue]{
		Value: ClarificationValue{Pending: pending},
		Ready: len(pending) > 0,
		Seq:   ev.Seq,
	}
	return types.EffectChanged | types.EffectYield
}

// Answer removes id from the queue and remembers it. It returns false if
// id was not pending.
func (p *Clarification) Answer(id string) bool {
	p.answered[id] = struct{}{}
	pending := make([]Question, 0, len(p.art.Value.Pending))
	found := false
	for _, q := range p.art.Value.Pending {
		if q.ID == id {
			found = true
			continue
		}
		pending = append(pending, q)
	}
	if found {
		p.art = Artifact[ClarificationValue]{
			Value: ClarificationValue{Pending: pending},
			Ready: len(pending) > 0,
			Seq:   p.art.Seq,
		}
	}
	return found
}

// Answered reports whether id was answered in this session.
func (p *Clarification) Answered(id string) bool {
	_, ok := p.answered[id]
	return ok
}

type rawQuestion struct {
	ID         string   `json:"id"`
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Text       string   `json:"text"`
	Options    []string `json:"options"`
	Context    string   `json:"context"`
}

func decodeQuestions(ev types.Sequenced) []Question {
	var items []json.RawMessage
	if !ev.Decode("questions", &items) {
		if ev.Has("question") && !isString(ev.Field("question")) {
			items = []json.RawMessage{ev.Field("question")}
		} else {
			items = []json.RawMessage{ev.Raw()}
		}
	}

	var out []Question
	for _, item := range items {
		var rq rawQuestion
		var text string
		if json.Unmarshal(item, &text) == nil {
			rq.Question = text
		} else if json.Unmarshal(item, &rq) != nil {
			continue
		}
		q := Question{
			ID:       firstNonEmpty(rq.QuestionID, rq.ID),
			Question: firstNonEmpty(rq.Question, rq.Text),
			Options:  rq.Options,
			Context:  rq.Context,
		}
		if q.Question == "" && len(items) == 1 {
			q.Question = ev.Message
		}
		if q.Question == "" {
			continue
		}
		if q.ID == "" {
			q.ID = questionID(q.Question)
		}
		out = append(out, q)
	}
	return out
}

// questionID derives a stable id from the question text so replays map to
// the same entry.
func questionID(text string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(text)))
	return "q:" + hex.EncodeToString(sum[:8])
}

func isString(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
