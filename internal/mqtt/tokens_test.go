package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/catalogmatch/internal/llm"
)

func TestDailyTokens_Add(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	if got := dt.Snapshot(); got != (TokenTotals{}) {
		t.Errorf("initial snapshot = %+v, want zero", got)
	}

	dt.Add(100, 200)
	dt.Add(50, 75)

	want := TokenTotals{Input: 150, Output: 275, Requests: 2}
	if got := dt.Snapshot(); got != want {
		t.Errorf("snapshot = %+v, want %+v", got, want)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Add(10, 20)
		}()
	}
	wg.Wait()

	want := TokenTotals{Input: 1000, Output: 2000, Requests: 100}
	if got := dt.Snapshot(); got != want {
		t.Errorf("snapshot = %+v, want %+v", got, want)
	}
}

func TestDailyTokens_Rollover(t *testing.T) {
	helsinki, err := time.LoadLocation("Europe/Helsinki")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Helsinki is UTC+2 in March, so its midnight falls at 22:00 UTC.
	now := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	dt := NewDailyTokens(helsinki)
	dt.now = func() time.Time { return now }
	dt.day = dt.today()

	dt.Add(500, 600)
	now = now.Add(30 * time.Minute)
	if got := dt.Snapshot(); got != (TokenTotals{Input: 500, Output: 600, Requests: 1}) {
		t.Errorf("same local day: %+v", got)
	}

	now = now.Add(time.Hour)
	if got := dt.Snapshot(); got != (TokenTotals{}) {
		t.Errorf("after local midnight: %+v, want zero", got)
	}

	dt.Add(1, 2)
	if got := dt.Snapshot(); got != (TokenTotals{Input: 1, Output: 2, Requests: 1}) {
		t.Errorf("new day: %+v", got)
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
}

func TestDailyTokens_Observe(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.Observe(context.Background(), &llm.Response{Usage: llm.Usage{InputTokens: 7, OutputTokens: 3}})
	dt.Observe(context.Background(), nil)

	if got := dt.Snapshot(); got != (TokenTotals{Input: 7, Output: 3, Requests: 1}) {
		t.Errorf("snapshot = %+v", got)
	}
}
