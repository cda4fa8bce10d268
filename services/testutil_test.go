package services

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/elenchus-labs/elenchus_api/model"
)

func openTestDB(t *testing.T, dsn string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&model.RateLimitWindow{}, &model.QueuedRequest{}))
	return db
}

func newTestDB(t *testing.T) *gorm.DB {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return newSharedMemoryDB(t, name)
}

func newSharedMemoryDB(t *testing.T, name string) *gorm.DB {
	return openTestDB(t, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
}

// newFileTestDB backs the store with a real file so concurrent connections
// contend the way they would against Postgres.
func newFileTestDB(t *testing.T) *gorm.DB {
	path := filepath.Join(t.TempDir(), "test.db")
	return openTestDB(t, "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
}

// newTestRedis backs a RedisService with an in-process miniredis instance.
func newTestRedis(t *testing.T) *RedisService {
	mr := miniredis.RunT(t)
	return &RedisService{client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func newTestRateLimitService(db *gorm.DB) *RateLimitService {
	return &RateLimitService{
		postgres: &PostgresService{db: db},
		redis:    &RedisService{},
	}
}

func newTestQueueService(db *gorm.DB) *QueueService {
	return &QueueService{
		postgres:      &PostgresService{db: db},
		redis:         &RedisService{},
		archive:       &ArchiveService{},
		maxRetries:    3,
		claimAttempts: 5,
	}
}
