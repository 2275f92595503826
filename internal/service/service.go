package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/period"
	"github.com/streak-league/internal/ranking"
	"github.com/streak-league/internal/scoring"
)

// RankingStore is the persistence the ranking service runs on
type RankingStore interface {
	GetRanking(ctx context.Context, userID string) (*domain.RankingRecord, error)
	GetRankings(ctx context.Context, userIDs []string) (map[string]*domain.RankingRecord, error)
	CreateRanking(ctx context.Context, rec *domain.RankingRecord) (bool, error)
	SaveBaseScore(ctx context.Context, userID string, base int64, day string, at time.Time) (int64, error)
	ApplyActivity(ctx context.Context, userID, surface string, delta float64, at time.Time) (int64, error)
	SaveRanks(ctx context.Context, userID string, league domain.League, leagueRank, globalRank int) error
	MoveLeague(ctx context.Context, ev domain.PromotionEvent) error
	ScanRankings(ctx context.Context, batchSize int, details bool, fn func([]*domain.RankingRecord) error) error
	LeagueTop(ctx context.Context, league domain.League, limit int) ([]ranking.Entry, error)
}

// ProfileReader reads behavioral snapshots owned by the profile collaborator.
// GetProfile returns domain.ErrUserNotFound for unknown users.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	GetProfiles(ctx context.Context, userIDs []string) (map[string]*domain.Profile, error)
}

// EventRecorder keeps an audit trail of promotions
type EventRecorder interface {
	RecordPromotion(ctx context.Context, ev domain.PromotionEvent) error
}

// Broadcaster pushes fresh league standings to subscribers
type Broadcaster interface {
	BroadcastLeagueUpdate(league domain.League, standings []domain.LeagueStanding)
}

// RankingService provides the ranking engine operations
type RankingService struct {
	store       RankingStore
	profiles    ProfileReader
	recorder    EventRecorder
	broadcaster Broadcaster
	config      *config.RankingConfig
	weights     scoring.Weights
	rates       scoring.RateTable
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
}

// NewRankingService creates a new ranking service
func NewRankingService(
	store RankingStore,
	profiles ProfileReader,
	cfg *config.RankingConfig,
	logger *slog.Logger,
) *RankingService {
	return &RankingService{
		store:    store,
		profiles: profiles,
		config:   cfg,
		weights:  cfg.Weights,
		rates:    cfg.Rates(),
		loc:      period.LoadLocation(cfg.Timezone),
		now:      time.Now,
		logger:   logger,
	}
}

// SetRecorder sets the promotion audit recorder
func (s *RankingService) SetRecorder(r EventRecorder) {
	s.recorder = r
}

// SetBroadcaster sets the league standings broadcaster
func (s *RankingService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// SetClock replaces the time source
func (s *RankingService) SetClock(now func() time.Time) {
	s.now = now
}

// Location returns the location period keys are computed in
func (s *RankingService) Location() *time.Location {
	return s.loc
}

func (s *RankingService) batchSize() int {
	if s.config.ScanBatchSize <= 0 {
		return 500
	}
	return s.config.ScanBatchSize
}
