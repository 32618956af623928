package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"minutes-relay/internal/domain"
)

func TestTaskRegistry_Lifecycle(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	id := r.Create("M1", "D1")

	got, ok := r.Get(id)
	if !ok {
		t.Fatalf("created task not found")
	}
	if got.Status != domain.TaskStatusPending || got.Progress != 0 || got.WorkID != "M1" || got.DestinationID != "D1" {
		t.Fatalf("unexpected initial record: %+v", got)
	}

	if err := r.Update(id, domain.TaskStatusRunning, 30, "fetched"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Update(id, domain.TaskStatusRunning, 10, "late message"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = r.Get(id)
	if got.Progress != 30 {
		t.Fatalf("progress decreased to %d", got.Progress)
	}

	if err := r.Update(id, domain.TaskStatusRunning, 100, "almost"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = r.Get(id)
	if got.Progress == 100 {
		t.Fatalf("progress reached 100 while running")
	}

	if err := r.Finish(id, domain.TaskStatusCompleted, "done", &domain.TaskResult{Success: true, ChunksTotal: 1, ChunksDelivered: 1}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, _ = r.Get(id)
	if got.Status != domain.TaskStatusCompleted || got.Progress != 100 || got.Result == nil || !got.Result.Success {
		t.Fatalf("unexpected terminal record: %+v", got)
	}

	// Terminal records ignore further writes.
	_ = r.Update(id, domain.TaskStatusRunning, 50, "ignored")
	_ = r.Finish(id, domain.TaskStatusError, "ignored", nil)
	again, _ := r.Get(id)
	if again.Status != domain.TaskStatusCompleted || again.Message != "done" {
		t.Fatalf("terminal record mutated: %+v", again)
	}
}

func TestTaskRegistry_ErrorKeepsProgress(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	id := r.Create("M1", "D1")
	_ = r.Update(id, domain.TaskStatusRunning, 50, "transforming")
	if err := r.Finish(id, domain.TaskStatusError, "transform: quota", &domain.TaskResult{Stage: domain.StageTransform}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, _ := r.Get(id)
	if got.Status != domain.TaskStatusError || got.Progress != 50 {
		t.Fatalf("unexpected error record: %+v", got)
	}
}

func TestTaskRegistry_UnknownTask(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	if err := r.Update("nope", domain.TaskStatusRunning, 10, "x"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := r.Finish("nope", domain.TaskStatusError, "x", nil); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("unknown task reported as present")
	}
}

func TestTaskRegistry_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	id := r.Create("M1", "D1")
	_ = r.Finish(id, domain.TaskStatusError, "boom", &domain.TaskResult{Error: "boom"})

	got, _ := r.Get(id)
	got.Result.Error = "changed by caller"
	again, _ := r.Get(id)
	if again.Result.Error != "boom" {
		t.Fatalf("caller mutated stored result")
	}
}

func TestTaskRegistry_ListNewestFirst(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	base := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	first := r.Create("A", "D")
	second := r.Create("B", "D")

	list := r.List(0)
	if len(list) != 2 || list[0].TaskID != second || list[1].TaskID != first {
		t.Fatalf("unexpected order: %+v", list)
	}
	if l := r.List(1); len(l) != 1 {
		t.Fatalf("limit not applied: %d", len(l))
	}
}

func TestTaskRegistry_ConcurrentReadersDuringWrites(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	id := r.Create("M1", "D1")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				rec, _ := r.Get(id)
				if rec.Progress < last {
					t.Errorf("reader saw progress go backwards: %d -> %d", last, rec.Progress)
					return
				}
				last = rec.Progress
			}
		}()
	}
	for p := 1; p < 100; p++ {
		_ = r.Update(id, domain.TaskStatusRunning, p, "step")
	}
	close(stop)
	wg.Wait()
}

func TestKeyLocker_SerializesSameKey(t *testing.T) {
	t.Parallel()

	k := NewKeyLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := k.Lock(ctx, "M1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			lock.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxActive)
	}
	if k.Len() != 0 {
		t.Fatalf("lock entries leaked: %d", k.Len())
	}
}

func TestKeyLocker_DifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	k := NewKeyLocker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	held, err := k.Lock(ctx, "A")
	if err != nil {
		t.Fatalf("Lock A: %v", err)
	}
	defer held.Unlock()

	other, err := k.Lock(ctx, "B")
	if err != nil {
		t.Fatalf("Lock B blocked by A: %v", err)
	}
	other.Unlock()
}

func TestKeyLocker_ContextCancelWhileWaiting(t *testing.T) {
	t.Parallel()

	k := NewKeyLocker()
	held, err := k.Lock(context.Background(), "A")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "A"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	held.Unlock()
	held.Unlock() // double unlock is harmless
	if k.Len() != 0 {
		t.Fatalf("lock entries leaked: %d", k.Len())
	}
}
