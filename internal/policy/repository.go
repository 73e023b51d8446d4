package policy

import (
	"context"
	"errors"
)

var (
	ErrClinicNotFound   = errors.New("clinic not found")
	ErrSnapshotNotFound = errors.New("policy snapshot not found")
	ErrVersionConflict  = errors.New("policy version already exists")
)

// SnapshotReader is what the policy cache needs from durable storage.
type SnapshotReader interface {
	ActiveSnapshot(ctx context.Context, clinicID string) (*Snapshot, error)
	SnapshotByVersion(ctx context.Context, clinicID string, version int) (*Snapshot, error)
	// ActiveHash returns only the sha256 of the active snapshot, for freshness checks.
	ActiveHash(ctx context.Context, clinicID string) (string, error)
	SyncStatuses(ctx context.Context, clinicID string) ([]SyncStatus, error)
}

// Repository contains every rule store interaction of the policy package.
type Repository interface {
	SnapshotReader

	ClinicOrganization(ctx context.Context, clinicID string) (string, error)
	// RulesByScope returns active rules for one (scope, scope_id) pair.
	RulesByScope(ctx context.Context, scope Scope, scopeID string) ([]Rule, error)
	// ClinicChildRules returns active service and doctor scoped rules owned by the clinic.
	ClinicChildRules(ctx context.Context, clinicID string) ([]Rule, error)

	LatestVersion(ctx context.Context, clinicID string) (int, error)
	// InsertSnapshot fails with ErrVersionConflict if (clinic, version) exists.
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	// ActivateSnapshot deprecates the clinic's active snapshot and activates
	// version in one transaction. It reports false if version does not exist.
	ActivateSnapshot(ctx context.Context, clinicID string, version int) (bool, error)
	// InsertActiveSnapshot inserts s and activates it atomically; on any
	// failure nothing is persisted.
	InsertActiveSnapshot(ctx context.Context, s *Snapshot) error
	ListSnapshots(ctx context.Context, clinicID string) ([]SnapshotSummary, error)
}
