package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
)

// Pool is the subset of *pgxpool.Pool the repository runs on
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// Repository provides PostgreSQL-based data access: user profiles (read only),
// the ranking archive and the promotion log
type Repository struct {
	pool   Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewRepositoryWithPool(pool, logger), nil
}

// NewRepositoryWithPool wraps an existing pool
func NewRepositoryWithPool(pool Pool, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			habit_current INT NOT NULL DEFAULT 0,
			habit_best INT NOT NULL DEFAULT 0,
			habit_monthly JSONB,
			habit_updated_at TIMESTAMPTZ,
			reading_current INT NOT NULL DEFAULT 0,
			reading_best INT NOT NULL DEFAULT 0,
			reading_monthly JSONB,
			reading_updated_at TIMESTAMPTZ,
			health_score INT NOT NULL DEFAULT 0,
			last_checklist_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ranking_archive (
			user_id VARCHAR(64) PRIMARY KEY,
			score BIGINT NOT NULL,
			score_remainder DOUBLE PRECISION NOT NULL DEFAULT 0,
			global_rank INT NOT NULL DEFAULT 0,
			current_league VARCHAR(20) NOT NULL,
			league_rank JSONB,
			page_activity JSONB,
			score_history JSONB,
			month_joined VARCHAR(20),
			last_score_update TIMESTAMPTZ,
			promoted_at TIMESTAMPTZ,
			promoted_from VARCHAR(20),
			month_promoted VARCHAR(20),
			synced_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS promotion_events (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			from_league VARCHAR(20) NOT NULL,
			to_league VARCHAR(20) NOT NULL,
			month VARCHAR(20) NOT NULL,
			promoted_at TIMESTAMPTZ NOT NULL
		)`,
		`ALTER TABLE ranking_archive ADD COLUMN IF NOT EXISTS score_remainder DOUBLE PRECISION NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_ranking_archive_league ON ranking_archive(current_league, score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_promotion_events_user ON promotion_events(user_id, promoted_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_promotion_events_month ON promotion_events(month)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const profileColumns = `user_id, name,
	habit_current, habit_best, habit_monthly, habit_updated_at,
	reading_current, reading_best, reading_monthly, reading_updated_at,
	health_score, last_checklist_at`

// GetProfile returns a user's profile, or domain.ErrUserNotFound
func (r *Repository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM user_profiles WHERE user_id = $1`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return profile, nil
}

// GetProfiles returns the profiles found for userIDs keyed by user id
func (r *Repository) GetProfiles(ctx context.Context, userIDs []string) (map[string]*domain.Profile, error) {
	profiles := make(map[string]*domain.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}

	query := `SELECT ` + profileColumns + ` FROM user_profiles WHERE user_id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("getting profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		profiles[profile.UserID] = profile
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profiles: %w", err)
	}
	return profiles, nil
}

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	var (
		p                            domain.Profile
		habitMonthly, readMonthly    []byte
		habitAt, readAt, checklistAt *time.Time
	)
	err := row.Scan(
		&p.UserID,
		&p.Name,
		&p.Snapshot.Habit.Current,
		&p.Snapshot.Habit.Best,
		&habitMonthly,
		&habitAt,
		&p.Snapshot.Reading.Current,
		&p.Snapshot.Reading.Best,
		&readMonthly,
		&readAt,
		&p.Snapshot.HealthScore,
		&checklistAt,
	)
	if err != nil {
		return nil, err
	}

	p.Snapshot.Habit.Monthly = decodeMonthly(habitMonthly)
	p.Snapshot.Reading.Monthly = decodeMonthly(readMonthly)
	p.Snapshot.Habit.UpdatedAt = deref(habitAt)
	p.Snapshot.Reading.UpdatedAt = deref(readAt)
	p.Snapshot.LastChecklistAt = deref(checklistAt)
	return &p, nil
}

// decodeMonthly tolerates NULL and malformed JSON, both meaning no monthly data
func decodeMonthly(raw []byte) map[string]int {
	monthly := map[string]int{}
	if len(raw) == 0 {
		return monthly
	}
	if err := json.Unmarshal(raw, &monthly); err != nil {
		return map[string]int{}
	}
	return monthly
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// RecordPromotion appends a promotion to the audit log
func (r *Repository) RecordPromotion(ctx context.Context, ev domain.PromotionEvent) error {
	query := `
		INSERT INTO promotion_events (user_id, from_league, to_league, month, promoted_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		ev.UserID,
		string(ev.FromLeague),
		string(ev.ToLeague),
		ev.Month,
		ev.PromotedAt,
	)
	if err != nil {
		return fmt.Errorf("recording promotion: %w", err)
	}
	return nil
}

// BatchUpsertRankings archives ranking records in a single round trip
func (r *Repository) BatchUpsertRankings(ctx context.Context, records []*domain.RankingRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO ranking_archive (
			user_id, score, global_rank, current_league, league_rank, page_activity,
			score_history, month_joined, last_score_update, promoted_at, promoted_from,
			month_promoted, score_remainder, synced_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id)
		DO UPDATE SET
			score = $2, global_rank = $3, current_league = $4, league_rank = $5,
			page_activity = $6, score_history = $7, month_joined = $8,
			last_score_update = $9, promoted_at = $10, promoted_from = $11,
			month_promoted = $12, score_remainder = $13, synced_at = $14
	`
	now := time.Now()

	for _, rec := range records {
		args, err := archiveArgs(rec)
		if err != nil {
			return err
		}
		batch.Queue(query, append(args, now)...)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upserting rankings: %w", err)
		}
	}
	return nil
}

func archiveArgs(rec *domain.RankingRecord) ([]any, error) {
	leagueRank, err := json.Marshal(rec.LeagueRank)
	if err != nil {
		return nil, fmt.Errorf("marshaling league rank: %w", err)
	}
	activity, err := json.Marshal(rec.PageActivity)
	if err != nil {
		return nil, fmt.Errorf("marshaling page activity: %w", err)
	}
	history, err := json.Marshal(rec.ScoreHistory)
	if err != nil {
		return nil, fmt.Errorf("marshaling score history: %w", err)
	}

	var promotedFrom *string
	if rec.PromotedFrom != "" {
		from := string(rec.PromotedFrom)
		promotedFrom = &from
	}

	return []any{
		rec.UserID,
		rec.Score,
		rec.GlobalRank,
		string(rec.CurrentLeague),
		leagueRank,
		activity,
		history,
		rec.MonthJoined,
		nullable(rec.LastScoreUpdate),
		rec.PromotedAt,
		promotedFrom,
		rec.MonthPromoted,
		rec.ScoreRemainder,
	}, nil
}

// ListArchivedRankings streams the archive in pages of batchSize ordered by user id
func (r *Repository) ListArchivedRankings(ctx context.Context, batchSize int, fn func([]*domain.RankingRecord) error) error {
	query := `
		SELECT user_id, score, global_rank, current_league, league_rank, page_activity,
			score_history, COALESCE(month_joined, ''), last_score_update, promoted_at,
			COALESCE(promoted_from, ''), COALESCE(month_promoted, ''), score_remainder
		FROM ranking_archive
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2
	`

	after := ""
	for {
		rows, err := r.pool.Query(ctx, query, after, batchSize)
		if err != nil {
			return fmt.Errorf("listing archived rankings: %w", err)
		}

		records, err := pgx.CollectRows(rows, scanArchived)
		if err != nil {
			return fmt.Errorf("scanning archived ranking: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := fn(records); err != nil {
			return err
		}
		if len(records) < batchSize {
			return nil
		}
		after = records[len(records)-1].UserID
	}
}

func scanArchived(row pgx.CollectableRow) (*domain.RankingRecord, error) {
	var (
		rec                           domain.RankingRecord
		league, from                  string
		leagueRank, activity, history []byte
		lastUpdate                    *time.Time
	)
	err := row.Scan(
		&rec.UserID,
		&rec.Score,
		&rec.GlobalRank,
		&league,
		&leagueRank,
		&activity,
		&history,
		&rec.MonthJoined,
		&lastUpdate,
		&rec.PromotedAt,
		&from,
		&rec.MonthPromoted,
		&rec.ScoreRemainder,
	)
	if err != nil {
		return nil, err
	}

	rec.CurrentLeague = domain.League(league)
	rec.PromotedFrom = domain.League(from)
	rec.LastScoreUpdate = deref(lastUpdate)
	rec.LeagueRank = map[domain.League]int{}
	rec.PageActivity = map[string]float64{}
	rec.ScoreHistory = map[string]int64{}
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{leagueRank, &rec.LeagueRank},
		{activity, &rec.PageActivity},
		{history, &rec.ScoreHistory},
	} {
		if len(field.raw) == 0 || string(field.raw) == "null" {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decoding archived ranking %s: %w", rec.UserID, err)
		}
	}
	return &rec, nil
}
