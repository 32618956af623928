// internal/infra/file/file_mapping_repository.go
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"minutes-relay/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// fileMappingRepository keeps every mapping in memory and rewrites the whole
// JSON file on each mutation. The file is an object keyed by work_id.
type fileMappingRepository struct {
	path     string
	mappings map[string]*domain.WorkMapping
	mu       sync.RWMutex
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewFileMappingRepository loads path if it exists. A missing or corrupt file
// yields an empty repository; only a failure to create the parent directory is an error.
func NewFileMappingRepository(path string, logger *slog.Logger) (domain.MappingRepository, error) {
	r := &fileMappingRepository{
		path:     path,
		mappings: make(map[string]*domain.WorkMapping),
		logger:   logger.With("component", "mapping-store", "path", path),
		tracer:   otel.Tracer("minutes-relay-file-repo"),
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create mapping store directory %s: %w", dir, err)
		}
	}

	r.load()
	return r, nil
}

func (r *fileMappingRepository) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Info("mapping store file not found, starting empty")
			return
		}
		r.logger.Error("mapping store unreadable, starting empty", "error", fmt.Errorf("%w: %v", domain.ErrStorageCorruption, err))
		return
	}

	var stored map[string]*domain.WorkMapping
	if err := json.Unmarshal(data, &stored); err != nil {
		r.logger.Error("mapping store corrupt, starting empty; every mapping will look unprocessed",
			"error", fmt.Errorf("%w: %v", domain.ErrStorageCorruption, err))
		r.quarantine()
		return
	}

	for key, m := range stored {
		if m == nil {
			continue
		}
		if m.WorkID == "" {
			m.WorkID = key
		}
		if err := m.Validate(); err != nil {
			r.logger.Warn("dropping invalid mapping from store", "work_id", key, "error", err)
			continue
		}
		r.mappings[m.WorkID] = m
	}
	r.logger.Info("mapping store loaded", "count", len(r.mappings))
}

// quarantine moves a corrupt file aside so the next write does not destroy it.
func (r *fileMappingRepository) quarantine() {
	target := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
	if err := os.Rename(r.path, target); err != nil {
		r.logger.Error("failed to move corrupt mapping store aside", "error", err)
		return
	}
	r.logger.Warn("corrupt mapping store moved aside", "moved_to", target)
}

// flush writes the current state to a temp file, syncs it and renames it over the target.
// Callers must hold r.mu for writing.
func (r *fileMappingRepository) flush() error {
	data, err := json.MarshalIndent(r.mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mappings: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp mapping file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp mapping file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp mapping file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp mapping file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace mapping file: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Get returns a copy of the mapping for workID.
func (r *fileMappingRepository) Get(ctx context.Context, workID string) (*domain.WorkMapping, error) {
	_, span := r.tracer.Start(ctx, "repo.file.Get")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[workID]
	if !ok {
		return nil, domain.ErrMappingNotFound
	}
	return m.Clone(), nil
}

// Put inserts or replaces a mapping and flushes before returning.
func (r *fileMappingRepository) Put(ctx context.Context, mapping *domain.WorkMapping) error {
	_, span := r.tracer.Start(ctx, "repo.file.Put")
	defer span.End()

	if err := mapping.Validate(); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("work.id", mapping.WorkID))

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.mappings[mapping.WorkID]
	r.mappings[mapping.WorkID] = mapping.Clone()
	if err := r.flush(); err != nil {
		if existed {
			r.mappings[mapping.WorkID] = prev
		} else {
			delete(r.mappings, mapping.WorkID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to flush mapping store")
		return fmt.Errorf("failed to save mapping %s: %w", mapping.WorkID, err)
	}
	return nil
}

// MarkProcessed sets processed and processed_at once.
func (r *fileMappingRepository) MarkProcessed(ctx context.Context, workID string, when time.Time) error {
	_, span := r.tracer.Start(ctx, "repo.file.MarkProcessed")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[workID]
	if !ok {
		return domain.ErrMappingNotFound
	}
	if m.Processed {
		return nil
	}

	updated := m.Clone()
	ts := when.UTC()
	updated.Processed = true
	updated.ProcessedAt = &ts
	r.mappings[workID] = updated
	if err := r.flush(); err != nil {
		r.mappings[workID] = m
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to flush mapping store")
		return fmt.Errorf("failed to mark mapping %s processed: %w", workID, err)
	}
	return nil
}

// Remove deletes a mapping. Removing an absent mapping is not an error.
func (r *fileMappingRepository) Remove(ctx context.Context, workID string) error {
	_, span := r.tracer.Start(ctx, "repo.file.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[workID]
	if !ok {
		return nil
	}
	delete(r.mappings, workID)
	if err := r.flush(); err != nil {
		r.mappings[workID] = m
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to flush mapping store")
		return fmt.Errorf("failed to remove mapping %s: %w", workID, err)
	}
	return nil
}

// List returns copies of all mappings sorted by work id.
func (r *fileMappingRepository) List(ctx context.Context) ([]*domain.WorkMapping, error) {
	_, span := r.tracer.Start(ctx, "repo.file.List")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.WorkMapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkID < out[j].WorkID })
	span.SetAttributes(attribute.Int("mapping_count", len(out)))
	return out, nil
}
