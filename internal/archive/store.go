// Package archive keeps raw sync payloads in object storage so ingestion
// can be audited or replayed. Archival is best effort: an unconfigured
// store is a noop and never fails a sync cycle.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotConfigured = errors.New("snapshot archive not configured")

const snapshotPrefix = "sync-snapshots/"

type Store interface {
	StoreSnapshot(ctx context.Context, at time.Time, cycleID string, payload json.RawMessage) error
	LoadSnapshot(ctx context.Context, objectKey string) (json.RawMessage, error)
	Close() error
}

type LifecycleConfigurer interface {
	EnsureLifecyclePolicy(ctx context.Context, expirationDays int) error
}

// SnapshotKey names an archived cycle payload by capture date and cycle id.
func SnapshotKey(at time.Time, cycleID string) string {
	return fmt.Sprintf("%s%s/%s.json", snapshotPrefix, at.UTC().Format("2006-01-02"), cycleID)
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreSnapshot(_ context.Context, _ time.Time, _ string, _ json.RawMessage) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadSnapshot(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}

func (s *NoopStore) EnsureLifecyclePolicy(_ context.Context, _ int) error {
	return ErrNotConfigured
}
