package file

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"minutes-relay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileMappingRepository_RoundTripAcrossReload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mappings.json")

	repo, err := NewFileMappingRepository(path, discardLogger())
	if err != nil {
		t.Fatalf("NewFileMappingRepository: %v", err)
	}

	want := &domain.WorkMapping{WorkID: "M1", DestinationID: "D1", Label: "weekly sync"}
	if err := repo.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	processedAt := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	if err := repo.Put(ctx, &domain.WorkMapping{WorkID: "M2", DestinationID: "D2"}); err != nil {
		t.Fatalf("Put M2: %v", err)
	}
	if err := repo.MarkProcessed(ctx, "M2", processedAt); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	reloaded, err := NewFileMappingRepository(path, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, err := reloaded.Get(ctx, "M1")
	if err != nil {
		t.Fatalf("Get M1: %v", err)
	}
	if *got != *want {
		t.Fatalf("M1 mismatch after reload: got %+v want %+v", got, want)
	}

	m2, err := reloaded.Get(ctx, "M2")
	if err != nil {
		t.Fatalf("Get M2: %v", err)
	}
	if !m2.Processed || m2.ProcessedAt == nil || !m2.ProcessedAt.Equal(processedAt) {
		t.Fatalf("M2 not restored as processed: %+v", m2)
	}
}

func TestFileMappingRepository_MarkProcessed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, err := NewFileMappingRepository(filepath.Join(t.TempDir(), "m.json"), discardLogger())
	if err != nil {
		t.Fatalf("NewFileMappingRepository: %v", err)
	}

	if err := repo.MarkProcessed(ctx, "missing", time.Now()); !errors.Is(err, domain.ErrMappingNotFound) {
		t.Fatalf("expected ErrMappingNotFound, got %v", err)
	}

	if err := repo.Put(ctx, &domain.WorkMapping{WorkID: "M1", DestinationID: "D1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.MarkProcessed(ctx, "M1", first); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := repo.MarkProcessed(ctx, "M1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkProcessed: %v", err)
	}

	got, _ := repo.Get(ctx, "M1")
	if !got.ProcessedAt.Equal(first) {
		t.Fatalf("processed_at changed on second mark: %v", got.ProcessedAt)
	}
}

func TestFileMappingRepository_CorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.json")
	if err := os.WriteFile(path, []byte(`{"M1": {"work_id": "M1", "destin`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	repo, err := NewFileMappingRepository(path, discardLogger())
	if err != nil {
		t.Fatalf("corrupt file must not fail startup: %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty store, got %d mappings", len(list))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	quarantined := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "mappings.json.corrupt-") {
			quarantined = true
		}
	}
	if !quarantined {
		t.Fatalf("corrupt file was not moved aside: %v", entries)
	}

	// The store stays writable after recovery.
	if err := repo.Put(ctx, &domain.WorkMapping{WorkID: "M9", DestinationID: "D9"}); err != nil {
		t.Fatalf("Put after recovery: %v", err)
	}
}

func TestFileMappingRepository_RemoveAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, err := NewFileMappingRepository(filepath.Join(t.TempDir(), "nested", "m.json"), discardLogger())
	if err != nil {
		t.Fatalf("NewFileMappingRepository: %v", err)
	}

	for _, id := range []string{"b", "a", "c"} {
		if err := repo.Put(ctx, &domain.WorkMapping{WorkID: id, DestinationID: "room"}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if err := repo.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := repo.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("Remove of absent mapping: %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].WorkID != "a" || list[1].WorkID != "c" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if _, err := repo.Get(ctx, "b"); !errors.Is(err, domain.ErrMappingNotFound) {
		t.Fatalf("removed mapping still present: %v", err)
	}
}

func TestFileMappingRepository_RejectsInvalidMapping(t *testing.T) {
	t.Parallel()

	repo, err := NewFileMappingRepository(filepath.Join(t.TempDir(), "m.json"), discardLogger())
	if err != nil {
		t.Fatalf("NewFileMappingRepository: %v", err)
	}
	if err := repo.Put(context.Background(), &domain.WorkMapping{DestinationID: "D1"}); err == nil {
		t.Fatalf("expected error for empty work id")
	}
}
