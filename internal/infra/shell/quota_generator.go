package shell

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/metrics"
)

// QuotaGenerator wraps a generator with a daily call limit.
type QuotaGenerator struct {
	next   domain.Generator
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	day   string
	count int
}

// NewQuotaGenerator limits next to limit calls per local calendar day. limit <= 0 means unlimited.
func NewQuotaGenerator(next domain.Generator, limit int, logger *slog.Logger) *QuotaGenerator {
	return &QuotaGenerator{
		next:   next,
		limit:  limit,
		logger: logger.With("component", "generation-quota"),
		now:    time.Now,
	}
}

func (q *QuotaGenerator) Generate(ctx context.Context, artifact *domain.Artifact) (string, error) {
	used, day, err := q.reserve()
	if err != nil {
		return "", err
	}
	doc, err := q.next.Generate(ctx, artifact)
	if err != nil {
		// Only successful generations count against the day.
		q.refund(day)
		return "", err
	}
	if q.limit > 0 && used*5 >= q.limit*4 {
		q.logger.Warn("generation quota nearly used up", "used", used, "limit", q.limit)
	}
	return doc, nil
}

// Usage reports today's call count and the limit.
func (q *QuotaGenerator) Usage() (used, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.count, q.limit
}

// reserve takes a slot for the current day. Concurrent generations hold
// their slot while running so the limit is never overshot.
func (q *QuotaGenerator) reserve() (int, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()

	if q.limit > 0 && q.count >= q.limit {
		return q.count, q.day, fmt.Errorf("%w: %d/%d calls used today", domain.ErrQuotaExceeded, q.count, q.limit)
	}
	q.count++
	metrics.GenerationQuotaUsed.Set(float64(q.count))
	return q.count, q.day, nil
}

// refund returns a slot taken on day. A slot from a day that has rolled over is already gone.
func (q *QuotaGenerator) refund(day string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()

	if q.day != day || q.count == 0 {
		return
	}
	q.count--
	metrics.GenerationQuotaUsed.Set(float64(q.count))
}

// rollover resets the counter when the calendar day changes. Callers hold mu.
func (q *QuotaGenerator) rollover() {
	today := q.now().Format(time.DateOnly)
	if today != q.day {
		q.day = today
		q.count = 0
		metrics.GenerationQuotaUsed.Set(0)
	}
}
