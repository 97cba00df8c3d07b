// Package stats summarizes a reconstructed transcript: message counts,
// characters and token usage per role and per agent.
package stats

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/agentstream/internal/types"
)

// Counter counts tokens in a string.
type Counter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter selects the tokenizer for model (e.g. "gpt-4"), falling back
// to cl100k_base for unknown models.
func NewCounter(model string) (Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return tiktokenCounter{enc: enc}, nil
}

type approxCounter struct{}

// Count estimates roughly 4 characters per token.
func (approxCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Approximate returns a tokenizer-free estimate for when no encoding can
// be loaded.
func Approximate() Counter { return approxCounter{} }

// Bucket aggregates one slice of the transcript.
type Bucket struct {
	Messages   int `json:"messages"`
	Characters int `json:"characters"`
	Tokens     int `json:"tokens"`
}

func (b *Bucket) add(chars, tokens int) {
	b.Messages++
	b.Characters += chars
	b.Tokens += tokens
}

// Report is the summary of one transcript.
type Report struct {
	Total          Bucket                `json:"total"`
	ByRole         map[types.Role]Bucket `json:"by_role"`
	ByAgent        map[string]Bucket     `json:"by_agent,omitempty"`
	Incomplete     int                   `json:"incomplete"`
	AttachedEvents int                   `json:"attached_events"`
}

// Summarize walks msgs once and aggregates them.
func Summarize(msgs []types.Message, c Counter) Report {
	if c == nil {
		c = Approximate()
	}
	r := Report{
		ByRole:  make(map[types.Role]Bucket),
		ByAgent: make(map[string]Bucket),
	}
	for _, m := range msgs {
		chars := utf8.RuneCountInString(m.Content)
		tokens := c.Count(m.Content)

		r.Total.add(chars, tokens)

		b := r.ByRole[m.Role]
		b.add(chars, tokens)
		r.ByRole[m.Role] = b

		if m.AgentID != "" {
			a := r.ByAgent[m.AgentID]
			a.add(chars, tokens)
			r.ByAgent[m.AgentID] = a
		}
		if !m.IsComplete {
			r.Incomplete++
		}
		r.AttachedEvents += len(m.AttachedEvents)
	}
	return r
}

// Agents returns the agent ids in the report, sorted.
func (r Report) Agents() []string {
	ids := make([]string, 0, len(r.ByAgent))
	for id := range r.ByAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
