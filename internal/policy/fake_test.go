package policy

import (
	"context"
	"sort"
	"sync"
)

type memRepo struct {
	mu        sync.Mutex
	orgs      map[string]string
	rules     []Rule
	owner     map[string]string
	snapshots map[string][]*Snapshot
	syncs     map[string][]SyncStatus

	insertErr   error
	activateErr error
	ruleErr     error
	hashErr   error
	activeErr map[string]error
	loads     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		orgs:      map[string]string{},
		owner:     map[string]string{},
		snapshots: map[string][]*Snapshot{},
		syncs:     map[string][]SyncStatus{},
		activeErr: map[string]error{},
	}
}

func (m *memRepo) ClinicOrganization(ctx context.Context, clinicID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[clinicID]
	if !ok {
		return "", ErrClinicNotFound
	}
	return org, nil
}

func (m *memRepo) RulesByScope(ctx context.Context, scope Scope, scopeID string) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ruleErr != nil {
		return nil, m.ruleErr
	}
	var out []Rule
	for _, r := range m.rules {
		if r.Scope == scope && r.ScopeID == scopeID && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) ClinicChildRules(ctx context.Context, clinicID string) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ruleErr != nil {
		return nil, m.ruleErr
	}
	var out []Rule
	for _, r := range m.rules {
		if (r.Scope == ScopeService || r.Scope == ScopeDoctor) && m.owner[r.ID] == clinicID && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) LatestVersion(ctx context.Context, clinicID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := 0
	for _, s := range m.snapshots[clinicID] {
		if s.Version > latest {
			latest = s.Version
		}
	}
	return latest, nil
}

func (m *memRepo) InsertSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(s)
}

func (m *memRepo) ActivateSnapshot(ctx context.Context, clinicID string, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activateLocked(clinicID, version)
}

// InsertActiveSnapshot mirrors the transactional store: the inserted row is
// dropped again when activation fails.
func (m *memRepo) InsertActiveSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft := *s
	draft.Status = StatusDraft
	if err := m.insertLocked(&draft); err != nil {
		return err
	}
	ok, err := m.activateLocked(s.ClinicID, s.Version)
	if err == nil && !ok {
		err = ErrSnapshotNotFound
	}
	if err != nil {
		rows := m.snapshots[s.ClinicID]
		m.snapshots[s.ClinicID] = rows[:len(rows)-1]
		return err
	}
	return nil
}

func (m *memRepo) insertLocked(s *Snapshot) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, existing := range m.snapshots[s.ClinicID] {
		if existing.Version == s.Version {
			return ErrVersionConflict
		}
	}
	cp := *s
	m.snapshots[s.ClinicID] = append(m.snapshots[s.ClinicID], &cp)
	return nil
}

func (m *memRepo) activateLocked(clinicID string, version int) (bool, error) {
	if m.activateErr != nil {
		return false, m.activateErr
	}
	var target *Snapshot
	for _, s := range m.snapshots[clinicID] {
		if s.Version == version {
			target = s
		}
	}
	if target == nil {
		return false, nil
	}
	for _, s := range m.snapshots[clinicID] {
		if s.Status == StatusActive && s.Version != version {
			s.Status = StatusDeprecated
		}
	}
	target.Status = StatusActive
	return true, nil
}

func (m *memRepo) ListSnapshots(ctx context.Context, clinicID string) ([]SnapshotSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SnapshotSummary
	for _, s := range m.snapshots[clinicID] {
		out = append(out, SnapshotSummary{ClinicID: clinicID, Version: s.Version, Status: s.Status, SHA256: s.SHA256})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *memRepo) ActiveSnapshot(ctx context.Context, clinicID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if err := m.activeErr[clinicID]; err != nil {
		return nil, err
	}
	for _, s := range m.snapshots[clinicID] {
		if s.Status == StatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (m *memRepo) SnapshotByVersion(ctx context.Context, clinicID string, version int) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	for _, s := range m.snapshots[clinicID] {
		if s.Version == version {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (m *memRepo) ActiveHash(ctx context.Context, clinicID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashErr != nil {
		return "", m.hashErr
	}
	for _, s := range m.snapshots[clinicID] {
		if s.Status == StatusActive {
			return s.SHA256, nil
		}
	}
	return "", ErrSnapshotNotFound
}

func (m *memRepo) SyncStatuses(ctx context.Context, clinicID string) ([]SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs[clinicID], nil
}

func (m *memRepo) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

func floatPtr(f float64) *float64 { return &f }

func rule(id, name string, scope Scope, scopeID string, typ RuleType, precedence int, cond Condition) Rule {
	action := Action{Kind: ActionReject, Message: name + " violated"}
	if typ == RuleSoftPreference {
		action = Action{Kind: ActionScore, ScoreModifier: floatPtr(10)}
	}
	return Rule{
		ID:         id,
		Name:       name,
		Scope:      scope,
		ScopeID:    scopeID,
		Type:       typ,
		Precedence: precedence,
		Condition:  cond,
		Action:     action,
		Active:     true,
	}
}
