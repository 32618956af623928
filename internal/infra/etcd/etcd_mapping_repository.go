// internal/infra/etcd/etcd_mapping_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"minutes-relay/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	MappingSaveDir = "/relay/mappings/"

	markProcessedAttempts = 3
)

type etcdMappingRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdMappingRepository creates a mapping repository backed by etcd.
func NewEtcdMappingRepository(client *clientv3.Client, logger *slog.Logger) domain.MappingRepository {
	return &etcdMappingRepository{
		client: client,
		logger: logger.With("component", "etcd-mapping-store"),
		tracer: otel.Tracer("minutes-relay-etcd-repo"),
	}
}

func mappingKey(workID string) string {
	return path.Join(MappingSaveDir, workID)
}

// Put persists the mapping to etcd.
func (r *etcdMappingRepository) Put(ctx context.Context, mapping *domain.WorkMapping) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Put")
	defer span.End()

	if err := mapping.Validate(); err != nil {
		return err
	}

	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping to JSON: %w", err)
	}

	key := mappingKey(mapping.WorkID)
	span.SetAttributes(
		attribute.String("work.id", mapping.WorkID),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(mappingJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put mapping to etcd")
		return fmt.Errorf("failed to save mapping %s to etcd: %w", mapping.WorkID, err)
	}
	return nil
}

// Get retrieves a mapping. An unparseable value is treated as absent.
func (r *etcdMappingRepository) Get(ctx context.Context, workID string) (*domain.WorkMapping, error) {
	m, _, err := r.get(ctx, workID)
	return m, err
}

func (r *etcdMappingRepository) get(ctx context.Context, workID string) (*domain.WorkMapping, int64, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	resp, err := r.client.Get(ctx, mappingKey(workID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get mapping from etcd")
		return nil, 0, fmt.Errorf("failed to get mapping %s from etcd: %w", workID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, domain.ErrMappingNotFound
	}

	var m domain.WorkMapping
	if err := json.Unmarshal(resp.Kvs[0].Value, &m); err != nil {
		r.logger.Error("corrupt mapping value in etcd, treating as absent", "work_id", workID,
			"error", fmt.Errorf("%w: %v", domain.ErrStorageCorruption, err))
		return nil, 0, domain.ErrMappingNotFound
	}
	return &m, resp.Kvs[0].ModRevision, nil
}

// MarkProcessed rewrites the mapping guarded on its mod revision.
func (r *etcdMappingRepository) MarkProcessed(ctx context.Context, workID string, when time.Time) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.MarkProcessed")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	key := mappingKey(workID)
	for attempt := 1; attempt <= markProcessedAttempts; attempt++ {
		m, rev, err := r.get(ctx, workID)
		if err != nil {
			return err
		}
		if m.Processed {
			return nil
		}

		ts := when.UTC()
		m.Processed = true
		m.ProcessedAt = &ts
		mappingJSON, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal mapping to JSON: %w", err)
		}

		resp, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(mappingJSON))).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to mark mapping processed in etcd")
			return fmt.Errorf("failed to mark mapping %s processed: %w", workID, err)
		}
		if resp.Succeeded {
			return nil
		}
		r.logger.Warn("mapping changed while marking processed, retrying", "work_id", workID, "attempt", attempt)
	}
	return fmt.Errorf("failed to mark mapping %s processed: concurrent modification", workID)
}

// Remove deletes a mapping from etcd.
func (r *etcdMappingRepository) Remove(ctx context.Context, workID string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	if _, err := r.client.Delete(ctx, mappingKey(workID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete mapping from etcd")
		return fmt.Errorf("failed to delete mapping %s from etcd: %w", workID, err)
	}
	return nil
}

// List retrieves all mappings from etcd.
func (r *etcdMappingRepository) List(ctx context.Context) ([]*domain.WorkMapping, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.List")
	defer span.End()

	resp, err := r.client.Get(ctx, MappingSaveDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list mappings from etcd")
		return nil, fmt.Errorf("failed to list mappings from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	mappings := make([]*domain.WorkMapping, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m domain.WorkMapping
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			r.logger.Warn("failed to unmarshal mapping from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		mappings = append(mappings, &m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].WorkID < mappings[j].WorkID })
	return mappings, nil
}
