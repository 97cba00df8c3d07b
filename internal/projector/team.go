package projector

import (
	"encoding/json"

	"github.com/user/agentstream/internal/types"
)

// TeamTask is one member's assignment reported while the team is built.
type TeamTask struct {
	Member string `json:"member"`
	Task   string `json:"task"`
	Status string `json:"status,omitempty"`
}

type TeamMember struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Role  string   `json:"role,omitempty"`
	Tasks []string `json:"tasks,omitempty"`
}

type TeamValue struct {
	Members []TeamMember   `json:"members"`
	Tasks   []TeamTask     `json:"tasks,omitempty"`
	Config  map[string]any `json:"config"`
}

// Team projects team_building_progress and team_complete.
type Team struct {
	art Artifact[TeamValue]
}

func NewTeam() *Team { return &Team{} }

func (p *Team) Name() string { return "team" }

func (p *Team) Handles() []string {
	return []string{"team_building_progress", "team_complete"}
}

func (p *Team) Artifact() Artifact[TeamValue] { return p.art }

func (p *Team) Apply(ev types.Sequenced) types.Effect {
	cur := p.art.Value
	next := TeamValue{
		Members: append([]TeamMember(nil), cur.Members...),
		Tasks:   append([]TeamTask(nil), cur.Tasks...),
		Config:  cur.Config,
	}

	switch ev.Type {
	case "team_building_progress":
		member := firstString(ev, "member", "member_id", "agent_id", "agent")
		task := firstString(ev, "task", "message")
		if member == "" && task == "" {
			return 0
		}
		next.upsertTask(TeamTask{Member: member, Task: task, Status: ev.String("status")})
		p.art = Artifact[TeamValue]{Value: next, Seq: ev.Seq}
		return types.EffectChanged

	case "team_complete":
		var cfg map[string]json.RawMessage
		if !ev.Decode("team_config", &cfg) {
			ev.Decode("team", &cfg)
		}
		next.Config = toMap(cfg)
		if next.Config == nil {
			next.Config = map[string]any{}
		}
		if members := decodeMembers(cfg); len(members) > 0 {
			next.Members = members
		} else if members := decodeMembers(payload(ev)); len(members) > 0 {
			next.Members = members
		}
		if len(next.Members) == 0 && len(next.Tasks) > 0 {
			next.Members = membersFromTasks(next.Tasks)
		}
		p.art = Artifact[TeamValue]{Value: next, Ready: true, Seq: ev.Seq}
		return types.EffectChanged | types.EffectYield
	}
	return 0
}

func (v *TeamValue) upsertTask(t TeamTask) {
	for i := range v.Tasks {
		if v.Tasks[i].Member == t.Member && v.Tasks[i].Task == t.Task {
			v.Tasks[i] = t
			return
		}
	}
	v.Tasks = append(v.Tasks, t)
}

func decodeMembers(obj map[string]json.RawMessage) []TeamMember {
	raw, ok := obj["members"]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	var out []TeamMember
	for _, item := range items {
		var id string
		if json.Unmarshal(item, &id) == nil {
			out = append(out, TeamMember{ID: id, Name: id})
			continue
		}
		var m TeamMember
		if json.Unmarshal(item, &m) != nil {
			continue
		}
		if m.ID == "" {
			m.ID = m.Name
		}
		if m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

// membersFromTasks rebuilds the member list from task records, in order
// of each member's first task.
func membersFromTasks(tasks []TeamTask) []TeamMember {
	index := make(map[string]int)
	var out []TeamMember
	for _, t := range tasks {
		if t.Member == "" {
			continue
		}
		i, ok := index[t.Member]
		if !ok {
			i = len(out)
			index[t.Member] = i
			out = append(out, TeamMember{ID: t.Member, Name: t.Member})
		}
		if t.Task != "" {
			out[i].Tasks = append(out[i].Tasks, t.Task)
		}
	}
	return out
}
