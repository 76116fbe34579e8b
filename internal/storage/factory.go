package storage

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"adaptive-limiter/internal/domain"
)

// StorageType identifica a estratégia de SharedStore
type StorageType string

const (
	RedisStorageType  StorageType = "redis"
	MemoryStorageType StorageType = "memory"
)

const defaultStoreTimeout = 2 * time.Second

// StorageConfig descreve o store compartilhado a ser criado
type StorageConfig struct {
	Type        StorageType
	RedisConfig *RedisConfig
}

// RedisConfig contém a conexão do store compartilhado entre instâncias
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
	Timeout  time.Duration
}

// Addr monta host:port
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

type creator func(config *StorageConfig, logger domain.Logger) (domain.SharedStore, error)

// StorageFactory escolhe a estratégia de store pelo tipo configurado
type StorageFactory struct {
	creators map[StorageType]creator
}

func NewStorageFactory() *StorageFactory {
	f := &StorageFactory{}
	f.creators = map[StorageType]creator{
		RedisStorageType:  f.createRedisStore,
		MemoryStorageType: f.createMemoryStore,
	}
	return f
}

// CreateStorage valida a configuração e cria o store
func (f *StorageFactory) CreateStorage(config *StorageConfig, logger domain.Logger) (domain.SharedStore, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}
	return f.creators[normalizeType(config.Type)](config, logger)
}

func (f *StorageFactory) createRedisStore(config *StorageConfig, logger domain.Logger) (domain.SharedStore, error) {
	rc := config.RedisConfig
	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}

	store, err := NewRedisStorage(rc.Host, rc.Port, rc.Password, rc.Database, timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: redis %s: %w", domain.ErrStoreUnavailable, rc.Addr(), err)
	}

	if logger != nil {
		logger.Info("Shared store ready", map[string]interface{}{
			"type":       RedisStorageType,
			"addr":       rc.Addr(),
			"database":   rc.Database,
			"timeout_ms": timeout.Milliseconds(),
		})
	}
	return store, nil
}

func (f *StorageFactory) createMemoryStore(_ *StorageConfig, logger domain.Logger) (domain.SharedStore, error) {
	store := NewMemoryStorage(logger)

	if logger != nil {
		// contadores, listas e eventos ficam restritos a este processo
		logger.Warn("Shared store is process-local, quotas are not shared across instances", map[string]interface{}{
			"type": MemoryStorageType,
		})
	}
	return store, nil
}

// GetSupportedTypes lista os tipos aceitos, em ordem alfabética
func (f *StorageFactory) GetSupportedTypes() []StorageType {
	types := make([]StorageType, 0, len(f.creators))
	for t := range f.creators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateConfig rejeita tipos desconhecidos e conexões Redis incompletas
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	t := normalizeType(config.Type)
	if _, ok := f.creators[t]; !ok {
		return fmt.Errorf("unsupported storage type %q (supported: %v)", config.Type, f.GetSupportedTypes())
	}
	if t == RedisStorageType {
		return validateRedisConfig(config.RedisConfig)
	}
	return nil
}

func validateRedisConfig(config *RedisConfig) error {
	switch {
	case config == nil:
		return fmt.Errorf("redis config cannot be nil")
	case strings.TrimSpace(config.Host) == "":
		return fmt.Errorf("redis host cannot be empty")
	case strings.TrimSpace(config.Port) == "":
		return fmt.Errorf("redis port cannot be empty")
	case config.Database < 0 || config.Database > 15:
		return fmt.Errorf("redis database must be between 0 and 15, got: %d", config.Database)
	}
	return nil
}

func normalizeType(t StorageType) StorageType {
	return StorageType(strings.ToLower(strings.TrimSpace(string(t))))
}

// BuildStorageConfig traduz os valores de configuração para StorageConfig
func BuildStorageConfig(storageType, redisHost, redisPort, redisPassword string, redisDB int, timeout time.Duration) *StorageConfig {
	config := &StorageConfig{Type: normalizeType(StorageType(storageType))}
	if config.Type != RedisStorageType {
		return config
	}

	config.RedisConfig = &RedisConfig{
		Host:     redisHost,
		Port:     redisPort,
		Password: redisPassword,
		Database: redisDB,
		Timeout:  timeout,
	}
	return config
}
