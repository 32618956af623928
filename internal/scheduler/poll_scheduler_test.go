package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"minutes-relay/internal/domain"
)

type stubRetriever struct {
	ready []domain.ReadyWork
	err   error
}

func (s *stubRetriever) Fetch(ctx context.Context, workID string) (*domain.Artifact, error) {
	return nil, domain.ErrNotFound
}

func (s *stubRetriever) ListReady(ctx context.Context) ([]domain.ReadyWork, error) {
	return s.ready, s.err
}

type recordingHandler struct {
	mu     sync.Mutex
	events []domain.Event
	called chan struct{}
}

func (h *recordingHandler) Handle(ctx context.Context, ev domain.Event) (domain.AdmitResult, error) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	if h.called != nil {
		select {
		case h.called <- struct{}{}:
		default:
		}
	}
	return domain.AdmitResult{TaskID: "t-" + ev.WorkID}, nil
}

func (h *recordingHandler) snapshot() []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Event(nil), h.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollScheduler_TickAdmitsListedWork(t *testing.T) {
	t.Parallel()

	ret := &stubRetriever{ready: []domain.ReadyWork{{WorkID: "M1", Label: "standup"}, {WorkID: "M2"}}}
	h := &recordingHandler{}
	s := NewPollScheduler(ret, h, PollConfig{Interval: time.Minute, ListTimeout: time.Second}, discardLogger())

	s.Tick(context.Background())

	got := h.snapshot()
	if len(got) != 2 {
		t.Fatalf("handled %d events, want 2", len(got))
	}
	if got[0].Type != domain.EventWorkReady || got[0].WorkID != "M1" || got[0].Label != "standup" || got[1].WorkID != "M2" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestPollScheduler_ListFailureAdmitsNothing(t *testing.T) {
	t.Parallel()

	ret := &stubRetriever{err: errors.New("list timed out")}
	h := &recordingHandler{}
	s := NewPollScheduler(ret, h, PollConfig{Interval: time.Minute}, discardLogger())

	s.Tick(context.Background())

	if n := len(h.snapshot()); n != 0 {
		t.Fatalf("handled %d events after list failure", n)
	}
}

func TestPollScheduler_RunOnStart(t *testing.T) {
	t.Parallel()

	ret := &stubRetriever{ready: []domain.ReadyWork{{WorkID: "M1"}}}
	h := &recordingHandler{called: make(chan struct{}, 1)}
	s := NewPollScheduler(ret, h, PollConfig{Interval: time.Hour, RunOnStart: true}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-h.called:
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick at start")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}

func TestPollScheduler_DisabledWaitsForCancel(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	s := NewPollScheduler(&stubRetriever{ready: []domain.ReadyWork{{WorkID: "M1"}}}, h, PollConfig{RunOnStart: true}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start returned %v", err)
	}
	if n := len(h.snapshot()); n != 0 {
		t.Fatalf("disabled poller handled %d events", n)
	}
}
