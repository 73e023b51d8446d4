package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/scheduling-rule-engine/internal/db"
)

const uniqueViolation = "23505"

type PgRepository struct {
	db db.DB
}

func NewPgRepository(conn db.DB) *PgRepository {
	if conn == nil {
		panic("policy: pgx pool required")
	}
	return &PgRepository{db: conn}
}

// Helpers

func scanRule(row pgx.Row) (Rule, error) {
	var (
		r         Rule
		condition []byte
		action    []byte
		pattern   []byte
	)
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Scope,
		&r.ScopeID,
		&r.Type,
		&r.Precedence,
		&condition,
		&action,
		&pattern,
		&r.Active,
		&r.UpdatedAt,
	)
	if err != nil {
		return Rule{}, err
	}

	r.Condition = DecodeConditionLenient(condition)
	if len(action) > 0 {
		if err := json.Unmarshal(action, &r.Action); err != nil {
			return Rule{}, fmt.Errorf("decode action for rule %s: %w", r.ID, err)
		}
	}
	if len(pattern) > 0 && string(pattern) != "null" {
		var p VisitPattern
		if err := json.Unmarshal(pattern, &p); err != nil {
			return Rule{}, fmt.Errorf("decode pattern for rule %s: %w", r.ID, err)
		}
		r.Pattern = &p
	}
	return r, nil
}

func collectRules(rows pgx.Rows) ([]Rule, error) {
	var result []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var (
		s       Snapshot
		payload []byte
		version int
		status  Status
		hash    string
	)
	err := row.Scan(&version, &status, &hash, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}

	// Columns are authoritative over the stored payload.
	s.Version = version
	s.Status = status
	s.SHA256 = hash
	return &s, nil
}

// ClinicIDs lists every clinic, used to warm the policy cache on startup.
func (r *PgRepository) ClinicIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM clinics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan clinic id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Interface methods

func (r *PgRepository) ClinicOrganization(ctx context.Context, clinicID string) (string, error) {
	var orgID string
	err := r.db.QueryRow(ctx, `
		SELECT organization_id
		FROM clinics
		WHERE id = $1
	`, clinicID).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrClinicNotFound
		}
		return "", fmt.Errorf("load clinic organization: %w", err)
	}
	return orgID, nil
}

func (r *PgRepository) RulesByScope(ctx context.Context, scope Scope, scopeID string) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, scope, scope_id, rule_type, precedence, condition, action, pattern, active, updated_at
		FROM rules
		WHERE scope = $1
		  AND scope_id = $2
		  AND active = true
		ORDER BY precedence, id
	`, scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("query %s rules: %w", scope, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *PgRepository) ClinicChildRules(ctx context.Context, clinicID string) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, scope, scope_id, rule_type, precedence, condition, action, pattern, active, updated_at
		FROM rules
		WHERE clinic_id = $1
		  AND scope IN ('service', 'doctor')
		  AND active = true
		ORDER BY precedence, id
	`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("query clinic child rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *PgRepository) LatestVersion(ctx context.Context, clinicID string) (int, error) {
	var version int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM policy_snapshots
		WHERE clinic_id = $1
	`, clinicID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("load latest version: %w", err)
	}
	return version, nil
}

const (
	snapshotInsertColumns = "clinic_id, version, status, sha256, data, compiled_by, compiled_at"
	snapshotActivateSet   = "status = 'active', activated_at = now()"
)

func (r *PgRepository) InsertSnapshot(ctx context.Context, s *Snapshot) error {
	return insertSnapshot(ctx, r.db, s)
}

// ActivateSnapshot serializes activations per clinic with a transaction-scoped
// advisory lock; the partial unique index on active rows backs it up.
func (r *PgRepository) ActivateSnapshot(ctx context.Context, clinicID string, version int) (bool, error) {
	activated := false
	err := db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		activated, err = activateSnapshot(ctx, tx, clinicID, version)
		return err
	})
	if err != nil {
		return false, err
	}
	return activated, nil
}

// InsertActiveSnapshot writes s and makes it the active snapshot in one
// transaction, so a failed activation leaves no row behind.
func (r *PgRepository) InsertActiveSnapshot(ctx context.Context, s *Snapshot) error {
	return db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		draft := *s
		draft.Status = StatusDraft
		if err := insertSnapshot(ctx, tx, &draft); err != nil {
			return err
		}
		ok, err := activateSnapshot(ctx, tx, s.ClinicID, s.Version)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("activate v%d: %w", s.Version, ErrSnapshotNotFound)
		}
		return nil
	})
}

func insertSnapshot(ctx context.Context, conn db.DB, s *Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = conn.Exec(ctx, `
		INSERT INTO policy_snapshots (`+snapshotInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ClinicID, s.Version, s.Status, s.SHA256, payload, s.Metadata.CompiledBy, s.Metadata.CompiledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: clinic=%s version=%d", ErrVersionConflict, s.ClinicID, s.Version)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func activateSnapshot(ctx context.Context, tx pgx.Tx, clinicID string, version int) (bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, clinicID); err != nil {
		return false, fmt.Errorf("lock clinic: %w", err)
	}

	var exists int
	err := tx.QueryRow(ctx, `
		SELECT 1
		FROM policy_snapshots
		WHERE clinic_id = $1 AND version = $2
		FOR UPDATE
	`, clinicID, version).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policy_snapshots
		SET status = 'deprecated'
		WHERE clinic_id = $1
		  AND status = 'active'
		  AND version <> $2
	`, clinicID, version); err != nil {
		return false, fmt.Errorf("deprecate active snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policy_snapshots
		SET `+snapshotActivateSet+`
		WHERE clinic_id = $1
		  AND version = $2
	`, clinicID, version); err != nil {
		return false, fmt.Errorf("activate snapshot: %w", err)
	}
	return true, nil
}

func (r *PgRepository) ActiveSnapshot(ctx context.Context, clinicID string) (*Snapshot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT version, status, sha256, data
		FROM policy_snapshots
		WHERE clinic_id = $1 AND status = 'active'
	`, clinicID)
	return scanSnapshot(row)
}

func (r *PgRepository) SnapshotByVersion(ctx context.Context, clinicID string, version int) (*Snapshot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT version, status, sha256, data
		FROM policy_snapshots
		WHERE clinic_id = $1 AND version = $2
	`, clinicID, version)
	return scanSnapshot(row)
}

func (r *PgRepository) ActiveHash(ctx context.Context, clinicID string) (string, error) {
	var hash string
	err := r.db.QueryRow(ctx, `
		SELECT sha256
		FROM policy_snapshots
		WHERE clinic_id = $1 AND status = 'active'
	`, clinicID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSnapshotNotFound
		}
		return "", fmt.Errorf("load active hash: %w", err)
	}
	return hash, nil
}

func (r *PgRepository) ListSnapshots(ctx context.Context, clinicID string) ([]SnapshotSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT clinic_id, version, status, sha256, compiled_at, compiled_by
		FROM policy_snapshots
		WHERE clinic_id = $1
		ORDER BY version DESC
	`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var result []SnapshotSummary
	for rows.Next() {
		var s SnapshotSummary
		if err := rows.Scan(&s.ClinicID, &s.Version, &s.Status, &s.SHA256, &s.CompiledAt, &s.CompiledBy); err != nil {
			return nil, fmt.Errorf("scan snapshot summary: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *PgRepository) SyncStatuses(ctx context.Context, clinicID string) ([]SyncStatus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT source, status, last_synced_at
		FROM sync_status
		WHERE clinic_id = $1
	`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("load sync status: %w", err)
	}
	defer rows.Close()

	var result []SyncStatus
	for rows.Next() {
		var s SyncStatus
		var last *time.Time
		if err := rows.Scan(&s.Source, &s.Status, &last); err != nil {
			return nil, fmt.Errorf("scan sync status: %w", err)
		}
		if last != nil {
			s.LastSyncedAt = *last
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
