package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/redis"
	"github.com/streak-league/internal/scoring"
)

var testNow = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return p, nil
}

func (f *fakeProfiles) GetProfiles(_ context.Context, userIDs []string) (map[string]*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]*domain.Profile{}
	for _, id := range userIDs {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeRecorder struct {
	events []domain.PromotionEvent
	err    error
}

func (f *fakeRecorder) RecordPromotion(_ context.Context, ev domain.PromotionEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

type fakeBroadcaster struct {
	updates map[domain.League][]domain.LeagueStanding
}

func (f *fakeBroadcaster) BroadcastLeagueUpdate(league domain.League, standings []domain.LeagueStanding) {
	f.updates[league] = standings
}

type fixture struct {
	svc      *RankingService
	store    *redis.Store
	profiles *fakeProfiles
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := redis.NewStoreWithClient(client, logger)
	profiles := &fakeProfiles{profiles: map[string]*domain.Profile{}}

	svc := NewRankingService(store, profiles, &config.RankingConfig{
		Timezone:       "UTC",
		PromotionCount: 10,
		ScanBatchSize:  4,
		DefaultLimit:   10,
		MaxLimit:       20,
		BroadcastTopN:  5,
		Weights:        scoring.DefaultWeights(),
	}, logger)
	svc.SetClock(func() time.Time { return testNow })

	return &fixture{svc: svc, store: store, profiles: profiles}
}

// scenarioSnapshot scores 165: 20 + 15 + 80 health + 50 consistency
func scenarioSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Habit:       domain.StreakCounters{Current: 10, Best: 10, UpdatedAt: testNow},
		HealthScore: 80,
	}
}

func (f *fixture) seed(t *testing.T, id string, league domain.League, score int64) {
	t.Helper()
	_, err := f.store.CreateRanking(context.Background(), &domain.RankingRecord{
		UserID:          id,
		Score:           score,
		CurrentLeague:   league,
		LeagueRank:      map[domain.League]int{league: 0},
		LastScoreUpdate: testNow,
		MonthJoined:     "April2025",
	})
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, id string) *domain.RankingRecord {
	t.Helper()
	rec, err := f.store.GetRanking(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestInitializeRanking_NewRecord(t *testing.T) {
	f := setup(t)

	rec, err := f.svc.InitializeRanking(context.Background(), "u1", scenarioSnapshot())
	require.NoError(t, err)

	assert.Equal(t, int64(165), rec.Score)
	assert.Equal(t, domain.LeagueWarrior, rec.CurrentLeague)
	assert.Equal(t, 0, rec.GlobalRank)
	assert.Equal(t, 0, rec.CurrentLeagueRank())
	assert.Equal(t, "April2025", rec.MonthJoined)
	assert.Equal(t, map[string]int64{"2025-04-02": 165}, rec.ScoreHistory)
}

func TestInitializeRanking_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.InitializeRanking(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)

	second, err := f.svc.InitializeRanking(ctx, "u1", domain.Snapshot{HealthScore: 100})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestInitializeRanking_EmptyUserID(t *testing.T) {
	f := setup(t)
	_, err := f.svc.InitializeRanking(context.Background(), "", domain.Snapshot{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestGetRanking_LazyInit(t *testing.T) {
	f := setup(t)
	f.profiles.profiles["u1"] = &domain.Profile{UserID: "u1", Name: "Ada", Snapshot: scenarioSnapshot()}

	rec, err := f.svc.GetRanking(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(165), rec.Score)

	stored := f.get(t, "u1")
	assert.Equal(t, int64(165), stored.Score)
}

func TestGetRanking_UserNotFound(t *testing.T) {
	f := setup(t)

	_, err := f.svc.GetRanking(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	var userErr *domain.UserError
	require.True(t, errors.As(err, &userErr))
	assert.Equal(t, domain.KindNotFound, userErr.Kind)
	assert.Equal(t, "ghost", userErr.UserID)
}

func TestTrackActivity_PricingPenalty(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.InitializeRanking(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)

	f.svc.TrackActivity(ctx, "u1", "/pricing", 10)

	rec := f.get(t, "u1")
	assert.Equal(t, int64(164), rec.Score)
	assert.InDelta(t, -1.0, rec.PageActivity["/pricing"], 1e-9)
}

func TestTrackActivity_NoOps(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.InitializeRanking(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)
	before := f.get(t, "u1")

	f.svc.TrackActivity(ctx, "u1", "/unknown", 30)
	f.svc.TrackActivity(ctx, "u1", "/checklist", 0)
	assert.Equal(t, before, f.get(t, "u1"))

	f.svc.TrackActivity(ctx, "nobody", "/checklist", 30)
	_, err = f.store.GetRanking(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrRankingNotFound)
}

func TestTrackActivity_ScoreFloor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "u1", domain.LeagueWarrior, 8)

	for i := 0; i < 5; i++ {
		f.svc.TrackActivity(ctx, "u1", "/pricing", 100)
		assert.GreaterOrEqual(t, f.get(t, "u1").Score, int64(0))
	}

	rec := f.get(t, "u1")
	assert.Equal(t, int64(0), rec.Score)
	assert.InDelta(t, -50.0, rec.PageActivity["/pricing"], 1e-9)
}

func TestRecomputeBaseScore_AddsActivityOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.InitializeRanking(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)
	f.svc.TrackActivity(ctx, "u1", "/checklist", 20)

	score, err := f.svc.RecomputeBaseScore(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(175), score)

	score, err = f.svc.RecomputeBaseScore(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(175), score)

	rec := f.get(t, "u1")
	assert.Equal(t, int64(175), rec.Score)
	assert.Equal(t, int64(175), rec.ScoreHistory["2025-04-02"])
}

func TestRecomputeBaseScore_Missing(t *testing.T) {
	f := setup(t)
	_, err := f.svc.RecomputeBaseScore(context.Background(), "ghost", domain.Snapshot{})
	assert.ErrorIs(t, err, domain.ErrRankingNotFound)
}

func TestRecomputeAllScores(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "u1", domain.LeagueWarrior, 1)
	f.seed(t, "u2", domain.LeagueElite, 1)
	f.seed(t, "orphan", domain.LeagueWarrior, 42)
	f.profiles.profiles["u1"] = &domain.Profile{UserID: "u1", Snapshot: scenarioSnapshot()}
	f.profiles.profiles["u2"] = &domain.Profile{UserID: "u2", Snapshot: domain.Snapshot{}}

	summary, err := f.svc.RecomputeAllScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Excluded)
	assert.Zero(t, summary.Failed())
	assert.NotEmpty(t, summary.RunID)

	assert.Equal(t, int64(165), f.get(t, "u1").Score)
	assert.Equal(t, int64(8), f.get(t, "u2").Score)
	assert.Equal(t, int64(42), f.get(t, "orphan").Score)
}

func TestRecalculateAllRanks_SingleLeague(t *testing.T) {
	f := setup(t)
	f.seed(t, "a", domain.LeagueWarrior, 300)
	f.seed(t, "b", domain.LeagueWarrior, 200)
	f.seed(t, "c", domain.LeagueWarrior, 100)

	summary, err := f.svc.RecalculateAllRanks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)

	for i, id := range []string{"a", "b", "c"} {
		rec := f.get(t, id)
		assert.Equal(t, i+1, rec.LeagueRank[domain.LeagueWarrior], id)
		assert.Equal(t, i+1, rec.GlobalRank, id)
	}
}

func TestRecalculateAllRanks_TierDominance(t *testing.T) {
	f := setup(t)
	f.seed(t, "warrior-high", domain.LeagueWarrior, 490)
	f.seed(t, "elite-low", domain.LeagueElite, 10)
	f.seed(t, "conqueror-low", domain.LeagueConqueror, 1)

	_, err := f.svc.RecalculateAllRanks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.get(t, "conqueror-low").GlobalRank)
	assert.Equal(t, 2, f.get(t, "elite-low").GlobalRank)
	assert.Equal(t, 3, f.get(t, "warrior-high").GlobalRank)
	assert.Equal(t, 1, f.get(t, "warrior-high").LeagueRank[domain.LeagueWarrior])
}

func TestRecalculateAllRanks_Broadcasts(t *testing.T) {
	f := setup(t)
	b := &fakeBroadcaster{updates: map[domain.League][]domain.LeagueStanding{}}
	f.svc.SetBroadcaster(b)
	f.seed(t, "a", domain.LeagueElite, 50)

	_, err := f.svc.RecalculateAllRanks(context.Background())
	require.NoError(t, err)

	require.Len(t, b.updates, len(domain.Leagues))
	require.Len(t, b.updates[domain.LeagueElite], 1)
	assert.Equal(t, 1, b.updates[domain.LeagueElite][0].LeagueRank)
	assert.Empty(t, b.updates[domain.LeagueWarrior])
}

func TestPromoteTopUsers_Cutoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := &fakeRecorder{}
	f.svc.SetRecorder(rec)
	for i := 1; i <= 15; i++ {
		f.seed(t, fmt.Sprintf("w%02d", i), domain.LeagueWarrior, int64(i*10))
	}
	_, err := f.svc.RecalculateAllRanks(ctx)
	require.NoError(t, err)

	summary, err := f.svc.PromoteTopUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "April2025", summary.Month)
	assert.Len(t, summary.Promoted, 10)
	assert.Len(t, rec.events, 10)
	require.NotNil(t, summary.Rerank)

	for i := 1; i <= 15; i++ {
		r := f.get(t, fmt.Sprintf("w%02d", i))
		if i > 5 {
			assert.Equal(t, domain.LeagueElite, r.CurrentLeague, r.UserID)
			assert.Equal(t, domain.LeagueWarrior, r.PromotedFrom)
			assert.Equal(t, "April2025", r.MonthPromoted)
			require.NotNil(t, r.PromotedAt)
			assert.Equal(t, 16-i, r.LeagueRank[domain.LeagueElite], r.UserID)
			assert.Equal(t, 16-i, r.GlobalRank, r.UserID)
		} else {
			assert.Equal(t, domain.LeagueWarrior, r.CurrentLeague, r.UserID)
			assert.Nil(t, r.PromotedAt)
			assert.Equal(t, 6-i, r.LeagueRank[domain.LeagueWarrior], r.UserID)
		}
	}
}

func TestPromoteTopUsers_OneTierPerRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "w", domain.LeagueWarrior, 100)
	f.seed(t, "e", domain.LeagueElite, 100)
	f.seed(t, "c", domain.LeagueConqueror, 100)
	_, err := f.svc.RecalculateAllRanks(ctx)
	require.NoError(t, err)

	summary, err := f.svc.PromoteTopUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, summary.Promoted, 2)

	assert.Equal(t, domain.LeagueElite, f.get(t, "w").CurrentLeague)
	assert.Equal(t, domain.LeagueConqueror, f.get(t, "e").CurrentLeague)
	assert.Equal(t, domain.LeagueConqueror, f.get(t, "c").CurrentLeague)
}

func TestPromoteTopUsers_RecorderFailureIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.svc.SetRecorder(&fakeRecorder{err: errors.New("db down")})
	f.seed(t, "w", domain.LeagueWarrior, 100)

	summary, err := f.svc.PromoteTopUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, summary.Promoted, 1)
	assert.Empty(t, summary.Failures)
	assert.Equal(t, domain.LeagueElite, f.get(t, "w").CurrentLeague)
}

func TestGetLeagueTopUsers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "a", domain.LeagueWarrior, 100)
	f.seed(t, "b", domain.LeagueWarrior, 300)
	f.seed(t, "c", domain.LeagueWarrior, 200)
	f.seed(t, "x", domain.LeagueElite, 500)
	f.profiles.profiles["b"] = &domain.Profile{
		UserID: "b",
		Name:   "Bea",
		Snapshot: domain.Snapshot{
			Habit:   domain.StreakCounters{Current: 12},
			Reading: domain.StreakCounters{Current: 4},
		},
	}
	_, err := f.svc.RecalculateAllRanks(ctx)
	require.NoError(t, err)

	top, err := f.svc.GetLeagueTopUsers(ctx, domain.LeagueWarrior, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)

	assert.Equal(t, domain.LeagueStanding{
		UserID:        "b",
		Name:          "Bea",
		Score:         300,
		League:        domain.LeagueWarrior,
		LeagueRank:    1,
		GlobalRank:    2,
		HabitStreak:   12,
		ReadingStreak: 4,
	}, top[0])
	assert.Equal(t, "c", top[1].UserID)
	assert.Empty(t, top[1].Name)

	all, err := f.svc.GetLeagueTopUsers(ctx, domain.LeagueWarrior, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetLeagueTopUsers_InvalidLeague(t *testing.T) {
	f := setup(t)
	_, err := f.svc.GetLeagueTopUsers(context.Background(), domain.League("Bronze"), 5)
	assert.ErrorIs(t, err, domain.ErrInvalidLeague)
}

func TestInitializeRanking_ReplacesHalfWrittenHash(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.store.Client().HSetNX(ctx, "ranking:u1", "currentLeague", "Warrior").Err())

	rec, err := f.svc.InitializeRanking(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(165), rec.Score)

	stored := f.get(t, "u1")
	assert.Equal(t, int64(165), stored.Score)
	assert.Equal(t, "April2025", stored.MonthJoined)
	assert.Equal(t, map[string]int64{"2025-04-02": 165}, stored.ScoreHistory)

	count, err := f.store.CountRankings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecalculateAllRanks_DropsStaleLeagueEntries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "a", domain.LeagueWarrior, 300)
	f.seed(t, "b", domain.LeagueWarrior, 200)
	f.seed(t, "c", domain.LeagueWarrior, 100)
	_, err := f.svc.RecalculateAllRanks(ctx)
	require.NoError(t, err)

	_, err = f.svc.PromoteTopUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.LeagueElite, f.get(t, "a").CurrentLeague)

	// An activity write that loaded the record before the promotion
	require.NoError(t, f.store.Client().ZAdd(ctx, "league:Warrior:scores", goredis.Z{Score: 301, Member: "a"}).Err())

	warriors, err := f.svc.GetLeagueTopUsers(ctx, domain.LeagueWarrior, 10)
	require.NoError(t, err)
	assert.Empty(t, warriors, "members of another league are not listed")

	_, err = f.svc.RecalculateAllRanks(ctx)
	require.NoError(t, err)

	_, err = f.store.Client().ZScore(ctx, "league:Warrior:scores", "a").Result()
	assert.ErrorIs(t, err, goredis.Nil)

	elites, err := f.svc.GetLeagueTopUsers(ctx, domain.LeagueElite, 10)
	require.NoError(t, err)
	require.Len(t, elites, 3)
	assert.Equal(t, "a", elites[0].UserID)
	assert.Equal(t, 1, elites[0].LeagueRank)
}

func TestTrackActivity_SmallDeltasAccumulate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.InitializeRanking(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)

	// 0.5 points per minute on the checklist
	f.svc.TrackActivity(ctx, "u1", "/checklist", 0.5)
	assert.Equal(t, int64(165), f.get(t, "u1").Score)

	f.svc.TrackActivity(ctx, "u1", "/checklist", 0.5)
	assert.Equal(t, int64(166), f.get(t, "u1").Score)

	score, err := f.svc.RecomputeBaseScore(ctx, "u1", scenarioSnapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(166), score)
}
