package reconcile

import (
	"sort"
	"strings"

	"github.com/user/agentstream/internal/types"
)

// Transcript is the ordered message list plus an id index. Messages are
// kept ascending by (Timestamp, Seq); an insert never moves existing
// entries relative to each other.
type Transcript struct {
	msgs  []*types.Message
	index map[types.MessageID]*types.Message
}

func NewTranscript() *Transcript {
	return &Transcript{index: make(map[types.MessageID]*types.Message)}
}

// Get returns the live record for id.
func (t *Transcript) Get(id types.MessageID) (*types.Message, bool) {
	m, ok := t.index[id]
	return m, ok
}

// Insert places m by (Timestamp, Seq), after any entry with an equal key.
// It returns false if a message with the same id already exists.
func (t *Transcript) Insert(m *types.Message) bool {
	if _, ok := t.index[m.ID]; ok {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool {
		return before(m, t.msgs[i])
	})
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.index[m.ID] = m
	return true
}

func before(a, b *types.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}

func (t *Transcript) Len() int {
	return len(t.msgs)
}

// Messages returns a deep copy of the transcript in order.
func (t *Transcript) Messages() []types.Message {
	out := make([]types.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}

// LastAssistant returns the most recent assistant message, or nil.
func (t *Transcript) LastAssistant() *types.Message {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].Role == types.RoleAssistant {
			return t.msgs[i]
		}
	}
	return nil
}

// HasContent reports whether a message with role and the same trimmed
// content exists.
func (t *Transcript) HasContent(role types.Role, content string) bool {
	want := strings.TrimSpace(content)
	for _, m := range t.msgs {
		if m.Role == role && strings.TrimSpace(m.Content) == want {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (t *Transcript) Clone() *Transcript {
	c := &Transcript{
		msgs:  make([]*types.Message, len(t.msgs)),
		index: make(map[types.MessageID]*types.Message, len(t.msgs)),
	}
	for i, m := range t.msgs {
		cp := m.Clone()
		c.msgs[i] = &cp
		c.index[cp.ID] = &cp
	}
	return c
}
