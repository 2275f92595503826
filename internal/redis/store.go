package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/ranking"
	"github.com/streak-league/internal/scoring"
)

// Hash fields of a ranking record
const (
	fieldScore            = "score"
	fieldScoreRemainder   = "scoreRemainder"
	fieldGlobalRank       = "globalRank"
	fieldCurrentLeague    = "currentLeague"
	fieldLastScoreUpdate  = "lastScoreUpdate"
	fieldMonthJoined      = "monthJoined"
	fieldPromotedAt       = "promotedAt"
	fieldPromotedFrom     = "promotedFrom"
	fieldMonthPromoted    = "monthPromoted"
	fieldLeagueRankPrefix = "leagueRank:"
)

// Store persists ranking records in Redis.
//
// Layout per user:
//   - Hash "ranking:{id}" holds the scalar fields and leagueRank:{League}
//   - Hash "ranking:{id}:activity" maps surface -> accumulated points
//   - Hash "ranking:{id}:history" maps day key -> score
//
// The set "rankings:users" indexes every user with a record and the sorted set
// "league:{League}:scores" mirrors scores of the league's members. A user sits
// in exactly one league set. A ranking hash without a score field is not a
// record.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStore connects to Redis and verifies the connection
func NewStore(cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewStoreWithClient(client, logger), nil
}

// NewStoreWithClient wraps an existing client
func NewStoreWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

func rankingKey(userID string) string {
	return fmt.Sprintf("ranking:%s", userID)
}

func activityKey(userID string) string {
	return fmt.Sprintf("ranking:%s:activity", userID)
}

func historyKey(userID string) string {
	return fmt.Sprintf("ranking:%s:history", userID)
}

func leagueKey(league domain.League) string {
	return fmt.Sprintf("league:%s:scores", league)
}

const usersKey = "rankings:users"

// GetRanking loads a full record, returning domain.ErrRankingNotFound when absent
func (s *Store) GetRanking(ctx context.Context, userID string) (*domain.RankingRecord, error) {
	records, err := s.getRankings(ctx, []string{userID}, true)
	if err != nil {
		return nil, err
	}
	rec, ok := records[userID]
	if !ok {
		return nil, domain.ErrRankingNotFound
	}
	return rec, nil
}

// GetRankings loads the scalar fields of several records. Missing users are
// left out of the result.
func (s *Store) GetRankings(ctx context.Context, userIDs []string) (map[string]*domain.RankingRecord, error) {
	return s.getRankings(ctx, userIDs, false)
}

func (s *Store) getRankings(ctx context.Context, userIDs []string, details bool) (map[string]*domain.RankingRecord, error) {
	if len(userIDs) == 0 {
		return map[string]*domain.RankingRecord{}, nil
	}

	pipe := s.client.Pipeline()
	mainCmds := make([]*redis.MapStringStringCmd, len(userIDs))
	activityCmds := make([]*redis.MapStringStringCmd, len(userIDs))
	historyCmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		mainCmds[i] = pipe.HGetAll(ctx, rankingKey(id))
		if details {
			activityCmds[i] = pipe.HGetAll(ctx, activityKey(id))
			historyCmds[i] = pipe.HGetAll(ctx, historyKey(id))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("loading rankings: %w", err)
	}

	records := make(map[string]*domain.RankingRecord, len(userIDs))
	for i, id := range userIDs {
		fields := mainCmds[i].Val()
		if _, ok := fields[fieldScore]; !ok {
			continue
		}
		rec := decodeRecord(id, fields)
		if details {
			rec.PageActivity = decodeActivity(activityCmds[i].Val())
			rec.ScoreHistory = decodeHistory(historyCmds[i].Val())
		}
		records[id] = rec
	}
	return records, nil
}

// CreateRanking writes rec unless a record already exists. It reports whether
// the record was created. A hash without a score is a leftover of an
// interrupted write and is replaced.
func (s *Store) CreateRanking(ctx context.Context, rec *domain.RankingRecord) (bool, error) {
	key := rankingKey(rec.UserID)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		created := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.HExists(ctx, key, fieldScore).Result()
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				writeRecord(ctx, pipe, rec)
				return nil
			})
			if err != nil {
				return err
			}
			created = true
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("creating ranking: %w", err)
		}
		return created, nil
	}
	return false, fmt.Errorf("creating ranking: %w", redis.TxFailedErr)
}

// RestoreRanking writes every field of rec, replacing what is stored
func (s *Store) RestoreRanking(ctx context.Context, rec *domain.RankingRecord) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeRecord(ctx, pipe, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing ranking: %w", err)
	}
	return nil
}

func writeRecord(ctx context.Context, pipe redis.Pipeliner, rec *domain.RankingRecord) {
	pipe.Del(ctx, rankingKey(rec.UserID), activityKey(rec.UserID), historyKey(rec.UserID))
	pipe.HSet(ctx, rankingKey(rec.UserID), encodeRecord(rec))
	if len(rec.PageActivity) > 0 {
		activity := make(map[string]interface{}, len(rec.PageActivity))
		for surface, v := range rec.PageActivity {
			activity[surface] = formatFloat(v)
		}
		pipe.HSet(ctx, activityKey(rec.UserID), activity)
	}
	if len(rec.ScoreHistory) > 0 {
		history := make(map[string]interface{}, len(rec.ScoreHistory))
		for day, v := range rec.ScoreHistory {
			history[day] = v
		}
		pipe.HSet(ctx, historyKey(rec.UserID), history)
	}
	pipe.SAdd(ctx, usersKey, rec.UserID)
	if rec.CurrentLeague.Valid() {
		placeInLeague(ctx, pipe, rec.UserID, rec.CurrentLeague, rec.Score)
	}
}

// placeInLeague keeps the user in exactly one league sorted set
func placeInLeague(ctx context.Context, pipe redis.Pipeliner, userID string, league domain.League, score int64) {
	for _, l := range domain.Leagues {
		if l == league {
			pipe.ZAdd(ctx, leagueKey(l), redis.Z{Score: float64(score), Member: userID})
			continue
		}
		pipe.ZRem(ctx, leagueKey(l), userID)
	}
}

const maxTxAttempts = 5

// head is the part of a record read before every conditional write
type head struct {
	score     int64
	remainder float64
	league    domain.League
}

// update runs fn under WATCH on the user's ranking hash and extra keys, after
// loading the record head. fn must queue its writes with tx.TxPipelined. The
// whole read-modify-write is retried when a watched key changes.
func (s *Store) update(ctx context.Context, userID string, fn func(tx *redis.Tx, h head) error, extra ...string) error {
	keys := append([]string{rankingKey(userID)}, extra...)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			h, err := loadHead(ctx, tx, userID)
			if err != nil {
				return err
			}
			return fn(tx, h)
		}, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func loadHead(ctx context.Context, tx *redis.Tx, userID string) (head, error) {
	values, err := tx.HMGet(ctx, rankingKey(userID), fieldScore, fieldScoreRemainder, fieldCurrentLeague).Result()
	if err != nil {
		return head{}, err
	}
	raw, ok := values[0].(string)
	if !ok {
		return head{}, domain.ErrRankingNotFound
	}

	var h head
	h.score, _ = strconv.ParseInt(raw, 10, 64)
	if v, ok := values[1].(string); ok {
		h.remainder, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := values[2].(string); ok {
		h.league = domain.League(v)
	}
	return h, nil
}

// SaveBaseScore sets the score to base plus the user's accumulated activity and
// records it under day in the history. It returns the stored score.
func (s *Store) SaveBaseScore(ctx context.Context, userID string, base int64, day string, at time.Time) (int64, error) {
	var score int64
	err := s.update(ctx, userID, func(tx *redis.Tx, h head) error {
		fields, err := tx.HGetAll(ctx, activityKey(userID)).Result()
		if err != nil {
			return err
		}
		var total float64
		for _, v := range decodeActivity(fields) {
			total += v
		}

		var remainder float64
		score, remainder = scoring.Settle(base, total)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rankingKey(userID),
				fieldScore, score,
				fieldScoreRemainder, formatFloat(remainder),
				fieldLastScoreUpdate, formatTime(at),
			)
			pipe.HSet(ctx, historyKey(userID), day, score)
			if h.league.Valid() {
				placeInLeague(ctx, pipe, userID, h.league, score)
			}
			return nil
		})
		return err
	}, activityKey(userID))
	if err != nil {
		return 0, fmt.Errorf("saving score: %w", err)
	}
	return score, nil
}

// ApplyActivity adds delta to the surface's running total and to the score,
// carrying the fraction that does not make a whole point. It returns the stored
// score, or domain.ErrRankingNotFound when the user has no record.
func (s *Store) ApplyActivity(ctx context.Context, userID, surface string, delta float64, at time.Time) (int64, error) {
	var score int64
	err := s.update(ctx, userID, func(tx *redis.Tx, h head) error {
		total, err := tx.HGet(ctx, activityKey(userID), surface).Float64()
		if err != nil && !isNil(err) {
			return err
		}

		var remainder float64
		score, remainder = scoring.Settle(h.score, h.remainder+delta)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, activityKey(userID), surface, formatFloat(total+delta))
			pipe.HSet(ctx, rankingKey(userID),
				fieldScore, score,
				fieldScoreRemainder, formatFloat(remainder),
				fieldLastScoreUpdate, formatTime(at),
			)
			if h.league.Valid() {
				placeInLeague(ctx, pipe, userID, h.league, score)
			}
			return nil
		})
		return err
	}, activityKey(userID))
	if err != nil {
		return 0, fmt.Errorf("saving activity: %w", err)
	}
	return score, nil
}

// SaveRanks stores the league rank for league and the global rank. The league
// sorted sets are re-aligned with the stored league and score on the way.
func (s *Store) SaveRanks(ctx context.Context, userID string, league domain.League, leagueRank, globalRank int) error {
	err := s.update(ctx, userID, func(tx *redis.Tx, h head) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rankingKey(userID),
				fieldLeagueRankPrefix+string(league), leagueRank,
				fieldGlobalRank, globalRank,
			)
			if h.league.Valid() {
				placeInLeague(ctx, pipe, userID, h.league, h.score)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("saving ranks: %w", err)
	}
	return nil
}

// MoveLeague promotes a user from ev.FromLeague to ev.ToLeague. It fails with
// domain.ErrInvalidLeague when the user is no longer in ev.FromLeague.
func (s *Store) MoveLeague(ctx context.Context, ev domain.PromotionEvent) error {
	err := s.update(ctx, ev.UserID, func(tx *redis.Tx, h head) error {
		if h.league != ev.FromLeague {
			return fmt.Errorf("%w: user is in %q, not %q", domain.ErrInvalidLeague, h.league, ev.FromLeague)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rankingKey(ev.UserID),
				fieldCurrentLeague, string(ev.ToLeague),
				fieldPromotedFrom, string(ev.FromLeague),
				fieldPromotedAt, formatTime(ev.PromotedAt),
				fieldMonthPromoted, ev.Month,
			)
			placeInLeague(ctx, pipe, ev.UserID, ev.ToLeague, h.score)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("moving league: %w", err)
	}
	return nil
}

// ScanRankings walks the whole population in batches of roughly batchSize
// users. With details the activity and history hashes are loaded as well.
// A user id can appear more than once if the index changes during the scan.
func (s *Store) ScanRankings(ctx context.Context, batchSize int, details bool, fn func([]*domain.RankingRecord) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var cursor uint64
	for {
		ids, next, err := s.client.SScan(ctx, usersKey, cursor, "", int64(batchSize)).Result()
		if err != nil {
			return fmt.Errorf("scanning rankings: %w", err)
		}

		if len(ids) > 0 {
			records, err := s.getRankings(ctx, ids, details)
			if err != nil {
				return err
			}
			batch := make([]*domain.RankingRecord, 0, len(records))
			for _, id := range ids {
				if rec, ok := records[id]; ok {
					batch = append(batch, rec)
				}
			}
			if err := fn(batch); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// LeagueTop returns up to limit members of league with the highest scores
func (s *Store) LeagueTop(ctx context.Context, league domain.League, limit int) ([]ranking.Entry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, leagueKey(league), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting league top: %w", err)
	}

	entries := make([]ranking.Entry, len(results))
	for i, result := range results {
		entries[i] = ranking.Entry{
			UserID: result.Member.(string),
			League: league,
			Score:  int64(result.Score),
		}
	}
	return entries, nil
}

// CountRankings returns how many users have a record
func (s *Store) CountRankings(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, usersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting rankings: %w", err)
	}
	return count, nil
}

func encodeRecord(rec *domain.RankingRecord) map[string]interface{} {
	fields := map[string]interface{}{
		fieldScore:           rec.Score,
		fieldScoreRemainder:  formatFloat(rec.ScoreRemainder),
		fieldGlobalRank:      rec.GlobalRank,
		fieldCurrentLeague:   string(rec.CurrentLeague),
		fieldLastScoreUpdate: formatTime(rec.LastScoreUpdate),
		fieldMonthJoined:     rec.MonthJoined,
	}
	for league, rank := range rec.LeagueRank {
		fields[fieldLeagueRankPrefix+string(league)] = rank
	}
	if rec.PromotedAt != nil {
		fields[fieldPromotedAt] = formatTime(*rec.PromotedAt)
		fields[fieldPromotedFrom] = string(rec.PromotedFrom)
		fields[fieldMonthPromoted] = rec.MonthPromoted
	}
	return fields
}

func decodeRecord(userID string, fields map[string]string) *domain.RankingRecord {
	rec := &domain.RankingRecord{
		UserID:        userID,
		CurrentLeague: domain.League(fields[fieldCurrentLeague]),
		MonthJoined:   fields[fieldMonthJoined],
		LeagueRank:    make(map[domain.League]int),
		PageActivity:  map[string]float64{},
		ScoreHistory:  map[string]int64{},
	}
	rec.Score, _ = strconv.ParseInt(fields[fieldScore], 10, 64)
	rec.ScoreRemainder, _ = strconv.ParseFloat(fields[fieldScoreRemainder], 64)
	rec.GlobalRank, _ = strconv.Atoi(fields[fieldGlobalRank])
	rec.LastScoreUpdate = parseTime(fields[fieldLastScoreUpdate])

	for k, v := range fields {
		if league, ok := strings.CutPrefix(k, fieldLeagueRankPrefix); ok {
			rank, _ := strconv.Atoi(v)
			rec.LeagueRank[domain.League(league)] = rank
		}
	}

	if at := parseTime(fields[fieldPromotedAt]); !at.IsZero() {
		rec.PromotedAt = &at
		rec.PromotedFrom = domain.League(fields[fieldPromotedFrom])
		rec.MonthPromoted = fields[fieldMonthPromoted]
	}
	return rec
}

func decodeActivity(fields map[string]string) map[string]float64 {
	activity := make(map[string]float64, len(fields))
	for surface, v := range fields {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		activity[surface] = f
	}
	return activity
}

func decodeHistory(fields map[string]string) map[string]int64 {
	history := make(map[string]int64, len(fields))
	for day, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		history[day] = n
	}
	return history
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isNil reports whether err is a missing-key reply
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
