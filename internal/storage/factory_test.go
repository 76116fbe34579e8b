package storage

import (
	"testing"
	"time"

	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageFactory_CreateStorage(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name         string
		config       *StorageConfig
		expectError  bool
		expectedType domain.SharedStore
	}{
		{
			name:         "redis against a live server",
			config:       BuildStorageConfig("redis", mr.Host(), mr.Port(), "", 0, time.Second),
			expectedType: &RedisStorage{},
		},
		{
			name:         "memory",
			config:       &StorageConfig{Type: MemoryStorageType},
			expectedType: &MemoryStorage{},
		},
		{
			name:         "type is case insensitive",
			config:       &StorageConfig{Type: StorageType(" Memory ")},
			expectedType: &MemoryStorage{},
		},
		{name: "nil config", config: nil, expectError: true},
		{name: "unsupported type", config: &StorageConfig{Type: StorageType("etcd")}, expectError: true},
		{name: "redis without connection settings", config: &StorageConfig{Type: RedisStorageType}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStorageFactory().CreateStorage(tt.config, logger.NewLogger("error", "text"))

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, store)
				return
			}

			require.NoError(t, err)
			assert.IsType(t, tt.expectedType, store)
			assert.NoError(t, store.Close())
		})
	}
}

func TestStorageFactory_UnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	store, err := NewStorageFactory().CreateStorage(
		BuildStorageConfig("redis", host, port, "", 0, 200*time.Millisecond),
		logger.NopLogger{},
	)

	require.Error(t, err)
	assert.Nil(t, store)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), host)
}

func TestStorageFactory_ValidateConfig(t *testing.T) {
	redis := func(mutate func(c *RedisConfig)) *StorageConfig {
		c := &RedisConfig{Host: "localhost", Port: "6379"}
		mutate(c)
		return &StorageConfig{Type: RedisStorageType, RedisConfig: c}
	}

	tests := []struct {
		name     string
		config   *StorageConfig
		errorMsg string
	}{
		{name: "valid redis", config: redis(func(c *RedisConfig) {})},
		{name: "valid memory", config: &StorageConfig{Type: MemoryStorageType}},
		{name: "blank host", config: redis(func(c *RedisConfig) { c.Host = "  " }), errorMsg: "host cannot be empty"},
		{name: "empty port", config: redis(func(c *RedisConfig) { c.Port = "" }), errorMsg: "port cannot be empty"},
		{name: "negative database", config: redis(func(c *RedisConfig) { c.Database = -1 }), errorMsg: "between 0 and 15"},
		{name: "database too high", config: redis(func(c *RedisConfig) { c.Database = 16 }), errorMsg: "between 0 and 15"},
		{name: "unknown type lists supported", config: &StorageConfig{Type: "etcd"}, errorMsg: "supported: [memory redis]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStorageFactory().ValidateConfig(tt.config)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestStorageFactory_GetSupportedTypes(t *testing.T) {
	assert.Equal(t, []StorageType{MemoryStorageType, RedisStorageType}, NewStorageFactory().GetSupportedTypes())
}

func TestBuildStorageConfig(t *testing.T) {
	redisConfig := BuildStorageConfig("Redis", "cache", "6380", "secret", 2, time.Second)
	assert.Equal(t, RedisStorageType, redisConfig.Type)
	require.NotNil(t, redisConfig.RedisConfig)
	assert.Equal(t, "cache:6380", redisConfig.RedisConfig.Addr())
	assert.Equal(t, "secret", redisConfig.RedisConfig.Password)
	assert.Equal(t, 2, redisConfig.RedisConfig.Database)
	assert.Equal(t, time.Second, redisConfig.RedisConfig.Timeout)

	memoryConfig := BuildStorageConfig("memory", "cache", "6380", "", 0, time.Second)
	assert.Equal(t, MemoryStorageType, memoryConfig.Type)
	assert.Nil(t, memoryConfig.RedisConfig)
}
