package services

import (
	gocontext "context"
	"fmt"
	"os"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisService holds non-authoritative fast-path state: blocked-until hints
// for the rate limiter and terminal job status for the queue. Postgres is the
// source of truth; every method degrades to a no-op when Redis is absent or
// failing, and callers never gate admission on it.
type RedisService struct {
	context.DefaultService

	client *redis.Client
	addr   string
}

const REDIS_SVC = "redis_svc"

const (
	blockedHintTTLSlack = time.Minute
	jobStatusTTL        = time.Hour
)

func (svc RedisService) Id() string {
	return REDIS_SVC
}

func (svc *RedisService) Enabled() bool {
	return svc.client != nil
}

func (svc *RedisService) Configure(ctx *context.Context) error {
	svc.addr = os.Getenv("REDIS_ADDR")
	return svc.DefaultService.Configure(ctx)
}

func (svc *RedisService) Start() error {
	if svc.addr == "" {
		log.Println("REDIS_ADDR not set, cache disabled")
		return nil
	}

	svc.client = redis.NewClient(&redis.Options{
		Addr:     svc.addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), 5*time.Second)
	defer cancel()

	if err := svc.client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis unreachable, cache disabled")
		svc.client = nil
		return nil
	}

	log.Println("Connected to Redis")
	return nil
}

func (svc *RedisService) Shutdown() {
	if svc.client != nil {
		svc.client.Close()
	}
}

func blockedHintKey(userID, action string) string {
	return fmt.Sprintf("ratelimit:blocked:%s:%s", userID, action)
}

func jobStatusKey(jobID string) string {
	return fmt.Sprintf("queue:status:%s", jobID)
}

// SetBlockedHint records that the pair is out of quota until the window ends.
// The TTL carries a little slack past the boundary; a stale hint only costs a
// Postgres read, never a wrong admission.
func (svc *RedisService) SetBlockedHint(userID, action string, until time.Time) {
	if svc.client == nil {
		return
	}

	ttl := time.Until(until) + blockedHintTTLSlack
	if ttl <= 0 {
		return
	}

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), time.Second)
	defer cancel()

	if err := svc.client.Set(ctx, blockedHintKey(userID, action), until.Unix(), ttl).Err(); err != nil {
		log.WithError(err).Debug("Failed to set blocked hint")
	}
}

func (svc *RedisService) ClearBlockedHint(userID, action string) {
	if svc.client == nil {
		return
	}

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), time.Second)
	defer cancel()

	if err := svc.client.Del(ctx, blockedHintKey(userID, action)).Err(); err != nil {
		log.WithError(err).Debug("Failed to clear blocked hint")
	}
}

// GetBlockedHint reports a pair known to be out of quota and when the block
// lifts. A missing, expired or unreadable hint returns false; the caller must
// then ask the store, never assume admission.
func (svc *RedisService) GetBlockedHint(userID, action string) (time.Time, bool) {
	if svc.client == nil {
		return time.Time{}, false
	}

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), time.Second)
	defer cancel()

	val, err := svc.client.Get(ctx, blockedHintKey(userID, action)).Int64()
	if err != nil {
		return time.Time{}, false
	}

	until := time.Unix(val, 0)
	if !until.After(time.Now()) {
		return time.Time{}, false
	}
	return until, true
}

// CacheJobStatus stores a terminal job's serialized polling view so repeat
// polls can be served without Postgres. Only terminal states may be cached;
// in-flight status must stay live.
func (svc *RedisService) CacheJobStatus(jobID string, payload []byte) {
	if svc.client == nil {
		return
	}

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), time.Second)
	defer cancel()

	if err := svc.client.Set(ctx, jobStatusKey(jobID), payload, jobStatusTTL).Err(); err != nil {
		log.WithError(err).Debug("Failed to cache job status")
	}
}

func (svc *RedisService) GetCachedJobStatus(jobID string) []byte {
	if svc.client == nil {
		return nil
	}

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), time.Second)
	defer cancel()

	val, err := svc.client.Get(ctx, jobStatusKey(jobID)).Bytes()
	if err != nil {
		return nil
	}
	return val
}
