package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/catalogmatch/internal/llm"
)

// TokenTotals is one day's backend usage.
type TokenTotals struct {
	Input    int64
	Output   int64
	Requests int64
}

// DailyTokens accumulates backend usage for the current local day and
// starts over when the date changes. It is safe for concurrent use.
type DailyTokens struct {
	mu     sync.Mutex
	loc    *time.Location
	now    func() time.Time
	day    string
	totals TokenTotals
}

// NewDailyTokens returns an accumulator whose day boundary is midnight
// in loc, or in [time.Local] when loc is nil.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Observe adds the usage carried by resp. It matches the retry
// controller's usage hook.
func (d *DailyTokens) Observe(_ context.Context, resp *llm.Response) {
	if resp == nil {
		return
	}
	d.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
}

// Add records one completed request.
func (d *DailyTokens) Add(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.totals.Input += int64(input)
	d.totals.Output += int64(output)
	d.totals.Requests++
}

// Snapshot returns today's totals.
func (d *DailyTokens) Snapshot() TokenTotals {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.totals
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// rollover clears the totals on a new date. d.mu must be held.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.day {
		d.day = today
		d.totals = TokenTotals{}
	}
}
