package reconcile

import (
	"sort"

	"github.com/user/agentstream/internal/types"
)

// TurnState tracks which messages are still streaming and which agents
// are working. The turn is open while any message is open.
type TurnState struct {
	open   map[types.MessageID]struct{}
	closed map[types.MessageID]struct{}
	agents map[string]struct{}
}

func NewTurnState() *TurnState {
	return &TurnState{
		open:   make(map[types.MessageID]struct{}),
		closed: make(map[types.MessageID]struct{}),
		agents: make(map[string]struct{}),
	}
}

func (t *TurnState) IsTurnOpen() bool {
	return len(t.open) > 0
}

func (t *TurnState) IsOpen(id types.MessageID) bool {
	_, ok := t.open[id]
	return ok
}

func (t *TurnState) IsClosed(id types.MessageID) bool {
	_, ok := t.closed[id]
	return ok
}

// Open marks id as streaming. A closed id stays closed.
func (t *TurnState) Open(id types.MessageID) bool {
	if t.IsClosed(id) {
		return false
	}
	t.open[id] = struct{}{}
	return true
}

// Close moves id to closed. It returns false if id was already closed.
func (t *TurnState) Close(id types.MessageID) bool {
	if t.IsClosed(id) {
		return false
	}
	delete(t.open, id)
	t.closed[id] = struct{}{}
	return true
}

func (t *TurnState) RaiseAgent(agent string) {
	t.agents[agent] = struct{}{}
}

func (t *TurnState) LowerAgent(agent string) bool {
	if _, ok := t.agents[agent]; !ok {
		return false
	}
	delete(t.agents, agent)
	return true
}

func (t *TurnState) HasActiveAgents() bool {
	return len(t.agents) > 0
}

func (t *TurnState) ClearAgents() {
	clear(t.agents)
}

// Yield hands control back to the user: no agent is working and nothing
// is streaming. Open ids are dropped without being closed, so a late
// chunk for them can still reopen the turn.
func (t *TurnState) Yield() {
	clear(t.agents)
	clear(t.open)
}

func (t *TurnState) Clone() *TurnState {
	c := NewTurnState()
	for id := range t.open {
		c.open[id] = struct{}{}
	}
	for id := range t.closed {
		c.closed[id] = struct{}{}
	}
	for a := range t.agents {
		c.agents[a] = struct{}{}
	}
	return c
}

// TurnSnapshot is a read-only view of TurnState.
type TurnSnapshot struct {
	IsTurnOpen       bool     `json:"is_turn_open"`
	InputLocked      bool     `json:"input_locked"`
	OpenMessageIDs   []string `json:"open_message_ids"`
	ClosedMessageIDs []string `json:"closed_message_ids"`
	ActiveAgents     []string `json:"active_agents"`
}

func (t *TurnState) Snapshot() TurnSnapshot {
	return TurnSnapshot{
		IsTurnOpen:       t.IsTurnOpen(),
		InputLocked:      t.IsTurnOpen() || t.HasActiveAgents(),
		OpenMessageIDs:   sortedIDs(t.open),
		ClosedMessageIDs: sortedIDs(t.closed),
		ActiveAgents:     sortedKeys(t.agents),
	}
}

func sortedIDs(set map[types.MessageID]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
