package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/scheduling-rule-engine/internal/redis"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, clinicID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, clinicID)
	return nil
}

func seededRepo() *memRepo {
	repo := newMemRepo()
	repo.orgs["c-1"] = "org-1"
	repo.rules = []Rule{
		rule("g-1", "max-workload", ScopeGlobal, "", RuleHardConstraint, 1500, WorkloadCondition{MaxDailyAppointments: 12}),
		rule("o-1", "business-hours", ScopeOrganization, "org-1", RuleHardConstraint, 1100, TimeRangeCondition{StartHour: 7, EndHour: 19}),
		rule("c-1", "max-workload", ScopeClinic, "c-1", RuleHardConstraint, 1500, WorkloadCondition{MaxDailyAppointments: 8}),
		rule("c-2", "room-fit", ScopeClinic, "c-1", RuleHardConstraint, 500, RoomTypeMatchCondition{}),
		rule("c-3", "preferred-room", ScopeClinic, "c-1", RuleSoftPreference, 6000, PreferredRoomCondition{}),
		{
			ID: "c-4", Name: "implant-course", Scope: ScopeClinic, ScopeID: "c-1",
			Type: RuleMultiVisitPattern, Precedence: 9000, Active: true,
			Pattern: &VisitPattern{
				Visits: []Visit{
					{Name: "surgery", DurationMinutes: 90, ServiceID: "svc-surgery"},
					{Name: "follow-up", DurationMinutes: 30, ServiceID: "svc-check", Offset: &Offset{MinDays: 7, MaxDays: 14}},
				},
				SameDoctor: true,
			},
		},
		// Another clinic's rule must never leak in.
		rule("x-1", "other", ScopeClinic, "c-2", RuleHardConstraint, 100, WorkloadCondition{MaxDailyAppointments: 1}),
	}
	return repo
}

func TestBuildMostSpecificRuleWins(t *testing.T) {
	repo := seededRepo()
	snap, err := Build("c-1", repo.rules[:6])
	require.NoError(t, err)

	require.Len(t, snap.Constraints, 3)
	assert.Equal(t, "c-2", snap.Constraints[0].ID, "lowest precedence first")
	assert.Equal(t, "o-1", snap.Constraints[1].ID)
	assert.Equal(t, "c-1", snap.Constraints[2].ID, "clinic max-workload overrides global")

	require.Len(t, snap.Preferences, 1)
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, "c-4", snap.Patterns[0].ID)
	assert.Equal(t, "implant-course", snap.Patterns[0].Name)

	assert.Equal(t, 5, snap.Metadata.RuleCount)
	assert.Equal(t, 4, snap.Metadata.EstimatedCost)
	assert.Equal(t, CompilerVersion, snap.Metadata.CompilerVersion)
	assert.True(t, Verify(snap))
}

func TestBuildIsDeterministic(t *testing.T) {
	rules := seededRepo().rules[:6]
	reversed := make([]Rule, len(rules))
	for i, r := range rules {
		reversed[len(rules)-1-i] = r
	}

	a, err := Build("c-1", rules)
	require.NoError(t, err)
	b, err := Build("c-1", reversed)
	require.NoError(t, err)

	assert.Equal(t, a.SHA256, b.SHA256)
	assert.Equal(t, a.Constraints, b.Constraints)
}

func TestBuildHashIgnoresProvenance(t *testing.T) {
	snap, err := Build("c-1", seededRepo().rules[:3])
	require.NoError(t, err)
	hash := snap.SHA256

	snap.Version = 42
	snap.Status = StatusActive
	snap.Metadata.CompiledBy = "someone"
	snap.Metadata.CompiledAt = time.Now()
	assert.True(t, Verify(snap))

	snap.Constraints[0].Precedence++
	assert.False(t, Verify(snap))
	assert.NotEmpty(t, hash)
}

func TestCompileAssignsIncreasingVersions(t *testing.T) {
	repo := seededRepo()
	compiler := NewCompiler(repo, nil, nil, nil, nil)
	ctx := context.Background()

	first, err := compiler.Compile(ctx, "c-1", "", "alice")
	require.NoError(t, err)
	second, err := compiler.Compile(ctx, "c-1", StatusStaged, "bob")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, StatusDraft, first.Status)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, StatusStaged, second.Status)
	assert.Equal(t, first.SHA256, second.SHA256, "same rules hash the same")
	assert.Equal(t, "bob", second.Metadata.CompiledBy)

	for _, c := range second.Constraints {
		assert.NotEqual(t, "x-1", c.ID)
	}

	versions, err := compiler.ListVersions(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
}

func TestCompileActiveDeprecatesPrevious(t *testing.T) {
	repo := seededRepo()
	inv := &recordingInvalidator{}
	compiler := NewCompiler(repo, nil, inv, nil, nil)
	ctx := context.Background()

	_, err := compiler.Compile(ctx, "c-1", StatusActive, "alice")
	require.NoError(t, err)
	second, err := compiler.Compile(ctx, "c-1", StatusActive, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, second.Status)

	active, err := repo.ActiveSnapshot(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	v1, err := repo.SnapshotByVersion(ctx, "c-1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, v1.Status)

	assert.Equal(t, []string{"c-1", "c-1"}, inv.calls)
}

func TestCompileEmptyPolicy(t *testing.T) {
	repo := newMemRepo()
	repo.orgs["c-empty"] = "org-1"
	compiler := NewCompiler(repo, nil, nil, nil, nil)

	snap, err := compiler.Compile(context.Background(), "c-empty", "", "alice")
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
	assert.Equal(t, 0, snap.Metadata.RuleCount)
	assert.NotEmpty(t, snap.SHA256)
	assert.NotNil(t, snap.Constraints)
}

func TestCompileFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown clinic", func(t *testing.T) {
		compiler := NewCompiler(newMemRepo(), nil, nil, nil, nil)
		_, err := compiler.Compile(ctx, "missing", "", "alice")
		assert.ErrorIs(t, err, ErrClinicNotFound)
	})

	t.Run("rule fetch fails", func(t *testing.T) {
		repo := seededRepo()
		repo.ruleErr = errors.New("connection reset")
		compiler := NewCompiler(repo, nil, nil, nil, nil)
		_, err := compiler.Compile(ctx, "c-1", "", "alice")
		assert.Error(t, err)
	})

	t.Run("insert fails", func(t *testing.T) {
		repo := seededRepo()
		repo.insertErr = errors.New("disk full")
		compiler := NewCompiler(repo, nil, nil, nil, nil)
		snap, err := compiler.Compile(ctx, "c-1", StatusActive, "alice")
		assert.Error(t, err)
		assert.Nil(t, snap)

		_, err = repo.ActiveSnapshot(ctx, "c-1")
		assert.ErrorIs(t, err, ErrSnapshotNotFound, "nothing was activated")
	})

	t.Run("activation fails", func(t *testing.T) {
		repo := seededRepo()
		inv := &recordingInvalidator{}
		compiler := NewCompiler(repo, nil, inv, nil, nil)

		_, err := compiler.Compile(ctx, "c-1", StatusDraft, "alice")
		require.NoError(t, err)

		repo.activateErr = errors.New("serialization failure")
		snap, err := compiler.Compile(ctx, "c-1", StatusActive, "alice")
		assert.Error(t, err)
		assert.Nil(t, snap)

		versions, err := repo.ListSnapshots(ctx, "c-1")
		require.NoError(t, err)
		require.Len(t, versions, 1, "no row is left behind")
		assert.Equal(t, StatusDraft, versions[0].Status)

		latest, err := repo.LatestVersion(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 1, latest, "the version number is not used up")
		assert.Empty(t, inv.calls)

		repo.activateErr = nil
		snap, err = compiler.Compile(ctx, "c-1", StatusActive, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Version)
		assert.Equal(t, StatusActive, snap.Status)
	})

	t.Run("invalid target", func(t *testing.T) {
		compiler := NewCompiler(seededRepo(), nil, nil, nil, nil)
		_, err := compiler.Compile(ctx, "c-1", StatusDeprecated, "alice")
		assert.Error(t, err)
	})
}

func TestActivateUnknownVersion(t *testing.T) {
	repo := seededRepo()
	inv := &recordingInvalidator{}
	compiler := NewCompiler(repo, nil, inv, nil, nil)

	ok, err := compiler.Activate(context.Background(), "c-1", 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, inv.calls)
}

func newTestLocker(t *testing.T) (*miniredis.Miniredis, redisclient.Locker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, redisclient.NewRedisLocker(client, 5*time.Second)
}

func TestCompileConcurrentVersionsAreUnique(t *testing.T) {
	_, locker := newTestLocker(t)
	repo := seededRepo()
	compiler := NewCompiler(repo, locker, nil, nil, nil)
	compiler.lockAttempts = 200
	compiler.lockBackoff = time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := compiler.Compile(context.Background(), "c-1", "", "worker")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := compiler.ListVersions(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, versions, 5)
	seen := map[int]bool{}
	for _, v := range versions {
		assert.False(t, seen[v.Version], "duplicate version %d", v.Version)
		seen[v.Version] = true
	}
}

func TestCompileGivesUpOnContendedLock(t *testing.T) {
	mr, locker := newTestLocker(t)
	require.NoError(t, mr.Set("lock:"+redisclient.ClinicLockKey("c-1"), "other-process"))

	compiler := NewCompiler(seededRepo(), locker, nil, nil, nil)
	compiler.lockAttempts = 2
	compiler.lockBackoff = time.Millisecond

	_, err := compiler.Compile(context.Background(), "c-1", "", "alice")
	assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)
}

func TestCompileKeepsNarrowRulesBesideBroadOnes(t *testing.T) {
	repo := seededRepo()
	repo.rules = append(repo.rules,
		rule("d-1", "max-workload", ScopeDoctor, "doc-7", RuleHardConstraint, 1500, WorkloadCondition{MaxDailyAppointments: 4}),
		rule("d-2", "max-workload", ScopeDoctor, "doc-9", RuleHardConstraint, 1500, WorkloadCondition{MaxDailyAppointments: 2}),
	)
	repo.owner["d-1"] = "c-1"
	repo.owner["d-2"] = "c-other"

	snap, err := NewCompiler(repo, nil, nil, nil, nil).Compile(context.Background(), "c-1", "", "alice")
	require.NoError(t, err)

	var ids []string
	for _, c := range snap.Constraints {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c-2", "o-1", "c-1", "d-1"}, ids)
	assert.True(t, snap.Constraints[3].AppliesTo("svc-any", "doc-7"))
	assert.False(t, snap.Constraints[3].AppliesTo("svc-any", "doc-8"))
}
