// Package contextwin keeps a conversation history under a token ceiling
// without separating tool calls from their results.
package contextwin

import (
	"encoding/json"
	"log/slog"

	"github.com/nugget/catalogmatch/internal/llm"
)

const (
	// charsPerToken is the length heuristic used for estimates.
	charsPerToken = 4

	// messageOverhead is the fixed per-message cost in tokens.
	messageOverhead = 4

	// partOverhead is the fixed per-part cost in tokens.
	partOverhead = 2

	// fillRatio is the share of the ceiling the kept history may use.
	fillRatio = 0.9
)

// EstimatePart returns the approximate token cost of one part.
func EstimatePart(p llm.Part) int {
	n := 0
	switch p.Kind {
	case llm.PartText:
		n = len(p.Text)
	case llm.PartToolCall:
		if p.Call != nil {
			n = len(p.Call.Name) + len(p.Call.ID)
			if b, err := json.Marshal(p.Call.Arguments); err == nil {
				n += len(b)
			}
			n += len(p.Call.Signature)
		}
	case llm.PartToolResult:
		if p.Result != nil {
			n = len(p.Result.Content) + len(p.Result.Name) + len(p.Result.CallID)
		}
	case llm.PartContinuation:
		n = len(p.Token) + len(p.Text)
	}
	return n/charsPerToken + partOverhead
}

// EstimateMessage returns the approximate token cost of one message.
func EstimateMessage(m llm.Message) int {
	n := messageOverhead
	for _, p := range m.Parts {
		n += EstimatePart(p)
	}
	return n
}

// Estimate returns the approximate token cost of a history.
func Estimate(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateMessage(m)
	}
	return n
}

// block is a run of messages that must be kept or dropped together.
type block struct {
	start, end int // msgs[start:end]
	tokens     int
	orphan     bool
}

// blocks partitions msgs[1:] into indivisible units, newest first. A run
// of tool-result messages is joined with the assistant message directly
// before it. A tool-result run with no assistant turn before it, other
// than the seed, is marked orphaned.
func blocks(msgs []llm.Message) []block {
	var out []block
	i := len(msgs) - 1
	for i >= 1 {
		end := i + 1
		if msgs[i].Role == llm.RoleToolResult {
			for i >= 1 && msgs[i].Role == llm.RoleToolResult {
				i--
			}
			if i >= 1 && msgs[i].Role == llm.RoleAssistant {
				out = append(out, block{start: i, end: end, tokens: Estimate(msgs[i:end])})
				i--
				continue
			}
			out = append(out, block{start: i + 1, end: end, orphan: true})
			continue
		}
		out = append(out, block{start: i, end: end, tokens: Estimate(msgs[i:end])})
		i--
	}
	return out
}

// Prune returns a history whose estimate stays within 90% of ceiling,
// keeping message 0 and the newest whole blocks that fit. Tool results
// are never kept without the assistant turn that requested them. A
// non-positive ceiling disables pruning. The input is not modified.
func Prune(msgs []llm.Message, ceiling int) []llm.Message {
	if ceiling <= 0 || len(msgs) <= 1 {
		return msgs
	}
	budget := int(float64(ceiling) * fillRatio)
	if Estimate(msgs) <= budget && !hasOrphans(msgs) {
		return msgs
	}

	used := EstimateMessage(msgs[0])
	var kept []block
	for _, b := range blocks(msgs) {
		if b.orphan {
			// Orphaned results can never be sent.
			continue
		}
		if used+b.tokens > budget {
			break
		}
		used += b.tokens
		kept = append(kept, b)
	}

	out := make([]llm.Message, 0, 1+len(msgs))
	out = append(out, msgs[0])
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, msgs[kept[i].start:kept[i].end]...)
	}
	return out
}

func hasOrphans(msgs []llm.Message) bool {
	for _, b := range blocks(msgs) {
		if b.orphan {
			return true
		}
	}
	return false
}

// Manager applies Prune with a fixed ceiling and logs what it drops.
type Manager struct {
	ceiling int
	logger  *slog.Logger
}

// NewManager creates a manager for the given token ceiling.
func NewManager(ceiling int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ceiling: ceiling, logger: logger.With("component", "contextwin")}
}

// Ceiling returns the configured token ceiling.
func (m *Manager) Ceiling() int { return m.ceiling }

// Fit prunes msgs to the ceiling.
func (m *Manager) Fit(msgs []llm.Message) []llm.Message {
	out := Prune(msgs, m.ceiling)
	if len(out) != len(msgs) {
		m.logger.Info("history pruned",
			"messages_before", len(msgs),
			"messages_after", len(out),
			"tokens_before", Estimate(msgs),
			"tokens_after", Estimate(out),
			"ceiling", m.ceiling,
		)
	}
	return out
}
