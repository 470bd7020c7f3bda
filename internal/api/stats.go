package api

import (
	"sync"
	"time"

	"github.com/nugget/catalogmatch/internal/matcher"
)

// BatchStats tracks batches run by this process.
type BatchStats struct {
	mu sync.Mutex

	active       int
	total        int64
	forcedStops  int64
	goals        int64
	matched      int64
	inputTokens  int64
	outputTokens int64
	lastFinished time.Time
}

// BatchStatsSnapshot is a copy-safe snapshot of batch stats.
type BatchStatsSnapshot struct {
	ActiveBatches     int       `json:"active_batches"`
	TotalBatches      int64     `json:"total_batches"`
	ForcedStops       int64     `json:"forced_stops"`
	TotalGoals        int64     `json:"total_goals"`
	MatchedGoals      int64     `json:"matched_goals"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	LastBatchAt       time.Time `json:"last_batch_at,omitzero"`
}

func (s *BatchStats) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
}

// finish records a completed batch. out is nil when the request was
// rejected before the batch ran.
func (s *BatchStats) finish(out *matcher.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if out == nil {
		return
	}
	s.total++
	if out.ForcedStop {
		s.forcedStops++
	}
	s.goals += int64(len(out.Results))
	s.matched += int64(out.Matched())
	s.inputTokens += int64(out.Usage.InputTokens)
	s.outputTokens += int64(out.Usage.OutputTokens)
	s.lastFinished = out.Finished
}

// ActiveBatches returns the number of batches currently running.
func (s *BatchStats) ActiveBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastBatchTime returns when the most recent batch completed.
func (s *BatchStats) LastBatchTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinished
}

func (s *BatchStats) Snapshot() BatchStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BatchStatsSnapshot{
		ActiveBatches:     s.active,
		TotalBatches:      s.total,
		ForcedStops:       s.forcedStops,
		TotalGoals:        s.goals,
		MatchedGoals:      s.matched,
		TotalInputTokens:  s.inputTokens,
		TotalOutputTokens: s.outputTokens,
		LastBatchAt:       s.lastFinished,
	}
}
