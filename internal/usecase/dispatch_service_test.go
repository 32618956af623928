package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/infra/file"
	"minutes-relay/internal/infra/memory"
)

type fakeRunner struct {
	registry domain.TaskRegistry
	gate     chan struct{}
	err      error
	calls    int32
}

func (f *fakeRunner) Run(ctx context.Context, job domain.Job) error {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		_ = f.registry.Finish(job.TaskID, domain.TaskStatusError, "fetch: "+f.err.Error(), &domain.TaskResult{Stage: domain.StageFetch, Error: f.err.Error()})
		return &domain.StageError{Stage: domain.StageFetch, Err: f.err}
	}
	_ = f.registry.Finish(job.TaskID, domain.TaskStatusCompleted, "minutes delivered", &domain.TaskResult{Success: true, ChunksTotal: 1, ChunksDelivered: 1})
	return nil
}

func (f *fakeRunner) runs() int {
	return int(atomic.LoadInt32(&f.calls))
}

type fixture struct {
	repo       domain.MappingRepository
	registry   *memory.TaskRegistry
	runner     *fakeRunner
	dispatcher *DispatchService
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := file.NewFileMappingRepository(filepath.Join(t.TempDir(), "mappings.json"), logger)
	if err != nil {
		t.Fatalf("NewFileMappingRepository: %v", err)
	}
	registry := memory.NewTaskRegistry()
	runner := &fakeRunner{registry: registry}
	return &fixture{
		repo:       repo,
		registry:   registry,
		runner:     runner,
		dispatcher: NewDispatchService(repo, registry, runner, memory.NewKeyLocker(), maxAttempts, logger),
	}
}

func TestDispatch_ConcurrentAdmitStartsOneRunner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.runner.gate = make(chan struct{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		started int32
		mu      sync.Mutex
		reasons = map[string]int{}
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.dispatcher.Admit(ctx, "M1", "D1", "")
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			if !res.Skipped {
				atomic.AddInt32(&started, 1)
				return
			}
			mu.Lock()
			reasons[res.Reason]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(f.runner.gate)
	f.dispatcher.Wait()

	if started != 1 {
		t.Fatalf("started %d runners, want 1", started)
	}
	if reasons[domain.SkipInFlight] != 31 {
		t.Fatalf("unexpected skip reasons: %v", reasons)
	}
	if f.runner.runs() != 1 {
		t.Fatalf("runner invoked %d times", f.runner.runs())
	}
	if n := len(f.registry.List(0)); n != 1 {
		t.Fatalf("registry holds %d tasks, want 1", n)
	}

	m, err := f.repo.Get(ctx, "M1")
	if err != nil || !m.Processed || m.ProcessedAt == nil {
		t.Fatalf("mapping not processed after success: %+v, %v", m, err)
	}

	res, err := f.dispatcher.Admit(ctx, "M1", "D1", "")
	if err != nil || !res.Skipped || res.Reason != domain.SkipAlreadyProcessed {
		t.Fatalf("re-admit after success: %+v, %v", res, err)
	}
}

func TestDispatch_AdmitDoesNotWaitForRunner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.runner.gate = make(chan struct{})
	defer func() {
		close(f.runner.gate)
		f.dispatcher.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := f.dispatcher.Admit(ctx, "A", "D1", "")
	if err != nil || first.Skipped {
		t.Fatalf("Admit A: %+v, %v", first, err)
	}
	second, err := f.dispatcher.Admit(ctx, "B", "D1", "")
	if err != nil || second.Skipped {
		t.Fatalf("Admit B blocked behind A: %+v, %v", second, err)
	}

	rec, ok := f.registry.Get(first.TaskID)
	if !ok || rec.Status.Terminal() {
		t.Fatalf("task for A should still be running: %+v", rec)
	}
}

func TestDispatch_FailureLeavesMappingUnprocessed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.runner.err = errors.New("recording unavailable")
	ctx := context.Background()

	res, err := f.dispatcher.Admit(ctx, "M1", "D1", "weekly")
	if err != nil || res.Skipped {
		t.Fatalf("Admit: %+v, %v", res, err)
	}
	f.dispatcher.Wait()

	m, err := f.repo.Get(ctx, "M1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Processed || m.DestinationID != "D1" || m.Label != "weekly" {
		t.Fatalf("unexpected mapping after failure: %+v", m)
	}
	rec, _ := f.registry.Get(res.TaskID)
	if rec.Status != domain.TaskStatusError {
		t.Fatalf("task status %s, want error", rec.Status)
	}

	// A re-signal retries, falling back to the stored destination.
	f.runner.err = nil
	res, err = f.dispatcher.Admit(ctx, "M1", "", "")
	if err != nil || res.Skipped {
		t.Fatalf("retry Admit: %+v, %v", res, err)
	}
	f.dispatcher.Wait()
	rec, _ = f.registry.Get(res.TaskID)
	if rec.DestinationID != "D1" || rec.Status != domain.TaskStatusCompleted {
		t.Fatalf("unexpected retry record: %+v", rec)
	}
}

func TestDispatch_AttemptsGuard(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.runner.err = errors.New("transient")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.dispatcher.Admit(ctx, "M1", "D1", "")
		if err != nil || res.Skipped {
			t.Fatalf("attempt %d: %+v, %v", i+1, res, err)
		}
		f.dispatcher.Wait()
	}

	res, err := f.dispatcher.Admit(ctx, "M1", "D1", "")
	if err != nil || !res.Skipped || res.Reason != domain.SkipAttemptsExhausted {
		t.Fatalf("third attempt: %+v, %v", res, err)
	}
	if f.runner.runs() != 2 {
		t.Fatalf("runner invoked %d times, want 2", f.runner.runs())
	}
}

func TestDispatch_RegisterNeverOverwrites(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	created, err := f.dispatcher.Register(ctx, "M1", "D1", "first")
	if err != nil || !created {
		t.Fatalf("Register: %v, %v", created, err)
	}
	created, err = f.dispatcher.Register(ctx, "M1", "D2", "second")
	if err != nil || created {
		t.Fatalf("second Register: %v, %v", created, err)
	}
	m, _ := f.repo.Get(ctx, "M1")
	if m.DestinationID != "D1" || m.Label != "first" {
		t.Fatalf("mapping overwritten: %+v", m)
	}
}

func TestDispatch_PutMappingKeepsProcessed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	if _, err := f.dispatcher.Admit(ctx, "M1", "D1", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	f.dispatcher.Wait()

	saved, err := f.dispatcher.PutMapping(ctx, &domain.WorkMapping{WorkID: "M1", DestinationID: "D9"})
	if err != nil {
		t.Fatalf("PutMapping: %v", err)
	}
	if !saved.Processed || saved.DestinationID != "D9" {
		t.Fatalf("unexpected saved mapping: %+v", saved)
	}

	if err := f.dispatcher.RemoveMapping(ctx, "M1"); err != nil {
		t.Fatalf("RemoveMapping: %v", err)
	}
	if _, err := f.dispatcher.GetMapping(ctx, "M1"); !errors.Is(err, domain.ErrMappingNotFound) {
		t.Fatalf("expected ErrMappingNotFound, got %v", err)
	}
}
