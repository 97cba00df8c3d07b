package projector

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/user/agentstream/internal/types"
)

// IntentValue is the structured intent the agent proposes.
type IntentValue struct {
	Text      string         `json:"text"`
	Package   map[string]any `json:"package,omitempty"`
	Persisted bool           `json:"persisted"`
}

// Intent projects intent_* events. intent_updated asks for the new text to
// be persisted, at most once per normalized text.
type Intent struct {
	art       Artifact[IntentValue]
	notify    Notifier
	persisted map[string]struct{}
	inFlight  map[string]struct{}
}

func NewIntent(notify Notifier) *Intent {
	return &Intent{
		notify:    notify,
		persisted: make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
	}
}

func (p *Intent) Name() string { return "intent" }

func (p *Intent) Handles() []string {
	return []string{"intent_proposed", "intent_updated", "intent_finalized", "intent_ready"}
}

func (p *Intent) Artifact() Artifact[IntentValue] { return p.art }

func (p *Intent) Apply(ev types.Sequenced) types.Effect {
	text, pkg := intentPayload(ev)
	value := p.art.Value
	if text != "" || pkg != nil {
		value = IntentValue{Text: text, Package: pkg}
		if value.Text == "" {
			value.Text = p.art.Value.Text
		}
		_, value.Persisted = p.persisted[IntentHash(value.Text)]
	}

	switch ev.Type {
	case "intent_finalized", "intent_ready":
		p.art = Artifact[IntentValue]{Value: value, Ready: true, Seq: ev.Seq}
		return types.EffectChanged | types.EffectYield
	case "intent_updated":
		if text == "" && pkg == nil {
			return 0
		}
		p.art = Artifact[IntentValue]{Value: value, Ready: p.art.Ready, Seq: ev.Seq}
		p.maybeNotify(value.Text, ev.Seq)
		return types.EffectChanged
	default:
		if text == "" && pkg == nil {
			return 0
		}
		p.art = Artifact[IntentValue]{Value: value, Seq: ev.Seq}
		return types.EffectChanged
	}
}

func (p *Intent) maybeNotify(text string, seq int64) {
	if strings.TrimSpace(text) == "" {
		return
	}
	h := IntentHash(text)
	if _, done := p.persisted[h]; done {
		return
	}
	if _, busy := p.inFlight[h]; busy {
		return
	}
	p.inFlight[h] = struct{}{}
	p.notify(Notification{Kind: NotifyIntent, Text: text, Hash: h, Seq: seq})
}

// Settle records the outcome of a persistence attempt for hash. A failed
// attempt may be retried by the next matching update.
func (p *Intent) Settle(hash string, persisted bool) {
	delete(p.inFlight, hash)
	if !persisted {
		return
	}
	p.persisted[hash] = struct{}{}
	if IntentHash(p.art.Value.Text) == hash && !p.art.Value.Persisted {
		v := p.art.Value
		v.Persisted = true
		p.art = Artifact[IntentValue]{Value: v, Ready: p.art.Ready, Seq: p.art.Seq}
	}
}

// InFlight reports whether a persistence attempt for hash is pending.
func (p *Intent) InFlight(hash string) bool {
	_, ok := p.inFlight[hash]
	return ok
}

// IntentHash is the BLAKE3 digest of the normalized intent text: trimmed,
// whitespace collapsed and lowercased.
func IntentHash(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := blake3.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

func intentPayload(ev types.Sequenced) (string, map[string]any) {
	var obj map[string]json.RawMessage
	for _, k := range []string{"intent_package", "intent", "package"} {
		if ev.Decode(k, &obj) {
			text := str(obj, "text", "intent", "summary", "description")
			if text == "" {
				text = firstString(ev, "intent_text", "text", "message")
			}
			return text, toMap(obj)
		}
	}
	return firstString(ev, "intent", "intent_text", "text", "message"), nil
}

func firstString(ev types.Sequenced, keys ...string) string {
	for _, k := range keys {
		if s := ev.String(k); s != "" {
			return s
		}
	}
	return ""
}
