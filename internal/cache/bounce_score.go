// Package cache holds the distributed state shared across pipeline
// runs: the per-sender bounce score with its day-scoped dedupe key.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// BounceScore is the result of recording one bounce.
type BounceScore struct {
	Score   int64
	Counted bool
	// CrossedThreshold is true on the increment that reached the
	// configured threshold, so the caller revokes exactly once.
	CrossedThreshold bool
}

// BounceScoreStore accumulates per-sender bounce scores. Increments are
// deduplicated to at most one per sender per calendar day, and the
// check-and-set must be atomic because several messages from the same
// sender may bounce concurrently.
type BounceScoreStore interface {
	Record(ctx context.Context, email string, weight int) (BounceScore, error)
	Score(ctx context.Context, email string) (int64, error)
}

var bounceMetricsOnce sync.Once

var (
	bouncesCounted prometheus.Counter
	bouncesDeduped prometheus.Counter
)

func initBounceMetrics() {
	bounceMetricsOnce.Do(func() {
		bouncesCounted = promauto.NewCounter(prometheus.CounterOpts{
			Name: "quorum_email_bounce_scores_total",
			Help: "Bounce score increments applied",
		})
		bouncesDeduped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "quorum_email_bounce_dedupes_total",
			Help: "Bounce score increments dropped by the daily dedupe",
		})
	})
}

const (
	scoreTTL  = 30 * 24 * time.Hour
	dedupeTTL = 25 * time.Hour
)

// RedisBounceStore is the production BounceScoreStore.
type RedisBounceStore struct {
	client    redis.UniversalClient
	keyPrefix string
	threshold int64
	now       func() time.Time
}

// NewRedisBounceStore wires a store over an existing redis client.
func NewRedisBounceStore(client redis.UniversalClient, threshold int) *RedisBounceStore {
	initBounceMetrics()
	return &RedisBounceStore{
		client:    client,
		keyPrefix: "quorum:bounce",
		threshold: int64(threshold),
		now:       time.Now,
	}
}

func (s *RedisBounceStore) scoreKey(email string) string {
	return fmt.Sprintf("%s:score:%s", s.keyPrefix, normalizeEmailKey(email))
}

func (s *RedisBounceStore) dedupeKey(email string) string {
	return fmt.Sprintf("%s:seen:%s:%s", s.keyPrefix, normalizeEmailKey(email), s.now().UTC().Format("20060102"))
}

// Record applies one bounce of the given weight, unless a bounce for
// this sender was already counted today.
func (s *RedisBounceStore) Record(ctx context.Context, email string, weight int) (BounceScore, error) {
	ok, err := s.client.SetNX(ctx, s.dedupeKey(email), 1, dedupeTTL).Result()
	if err != nil {
		return BounceScore{}, fmt.Errorf("bounce: dedupe check: %w", err)
	}
	if !ok {
		score, err := s.Score(ctx, email)
		if err != nil {
			return BounceScore{}, err
		}
		bouncesDeduped.Inc()
		return BounceScore{Score: score}, nil
	}
	score, err := s.client.IncrBy(ctx, s.scoreKey(email), int64(weight)).Result()
	if err != nil {
		return BounceScore{}, fmt.Errorf("bounce: increment: %w", err)
	}
	if err := s.client.Expire(ctx, s.scoreKey(email), scoreTTL).Err(); err != nil {
		return BounceScore{}, fmt.Errorf("bounce: expire: %w", err)
	}
	bouncesCounted.Inc()
	return BounceScore{
		Score:            score,
		Counted:          true,
		CrossedThreshold: s.threshold > 0 && score >= s.threshold && score-int64(weight) < s.threshold,
	}, nil
}

// Score returns the sender's accumulated bounce score.
func (s *RedisBounceStore) Score(ctx context.Context, email string) (int64, error) {
	score, err := s.client.Get(ctx, s.scoreKey(email)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bounce: score lookup: %w", err)
	}
	return score, nil
}

// MemoryBounceStore is a process-local BounceScoreStore for tests and
// single-node deployments.
type MemoryBounceStore struct {
	mu        sync.Mutex
	scores    map[string]int64
	seen      map[string]string
	threshold int64
	now       func() time.Time
}

func NewMemoryBounceStore(threshold int) *MemoryBounceStore {
	return &MemoryBounceStore{
		scores:    make(map[string]int64),
		seen:      make(map[string]string),
		threshold: int64(threshold),
		now:       time.Now,
	}
}

// WithClock overrides the clock used for the daily dedupe window.
func (s *MemoryBounceStore) WithClock(now func() time.Time) *MemoryBounceStore {
	s.now = now
	return s
}

func (s *MemoryBounceStore) Record(_ context.Context, email string, weight int) (BounceScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeEmailKey(email)
	day := s.now().UTC().Format("20060102")
	if s.seen[key] == day {
		return BounceScore{Score: s.scores[key]}, nil
	}
	s.seen[key] = day
	s.scores[key] += int64(weight)
	score := s.scores[key]
	return BounceScore{
		Score:            score,
		Counted:          true,
		CrossedThreshold: s.threshold > 0 && score >= s.threshold && score-int64(weight) < s.threshold,
	}, nil
}

func (s *MemoryBounceStore) Score(_ context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[normalizeEmailKey(email)], nil
}

func normalizeEmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
