package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"adaptive-limiter/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// windowScript cria a janela com contador e TTL em um único passo
// e incrementa sem renovar o TTL nas requisições seguintes
var windowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, 0, window}
	end

	local count = tonumber(current)
	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		-- chave sem expiração: restaura a janela
		redis.call('PEXPIRE', key, window)
		ttl = window
	end

	if count >= limit then
		return {0, count, ttl}
	end

	redis.call('INCR', key)
	return {1, count, ttl}
`)

// RedisStorage implementa a interface domain.SharedStore usando Redis
type RedisStorage struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisStorage cria uma nova instância do RedisStorage
func NewRedisStorage(host, port, password string, db int, timeout time.Duration, logger domain.Logger) (*RedisStorage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Timeouts curtos: o limiter prefere falhar aberto a esperar
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   1,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout,
		IdleTimeout:  5 * time.Minute,
	})

	// Testa a conexão
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": host,
			"port": port,
			"db":   db,
		})
	}

	return NewRedisStorageWithClient(rdb, logger), nil
}

// GetStats expõe as estatísticas do pool de conexões
func (r *RedisStorage) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"type": "redis"}
	if client, ok := r.client.(*redis.Client); ok {
		ps := client.PoolStats()
		stats["hits"] = ps.Hits
		stats["misses"] = ps.Misses
		stats["timeouts"] = ps.Timeouts
		stats["total_conns"] = ps.TotalConns
		stats["idle_conns"] = ps.IdleConns
	}
	return stats
}

// NewRedisStorageWithClient cria o storage a partir de um cliente existente
func NewRedisStorageWithClient(client redis.Cmdable, logger domain.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		logger: logger,
	}
}

// CheckWindow executa o script de janela fixa
func (r *RedisStorage) CheckWindow(ctx context.Context, key string, max int, window time.Duration) (*domain.WindowResult, error) {
	start := time.Now()

	result, err := windowScript.Run(ctx, r.client, []string{key}, max, window.Milliseconds()).Result()
	if err != nil {
		r.logStorageOperation("CHECK_WINDOW", key, false, time.Since(start).Seconds()*1000, err)
		return nil, unavailable("failed to check window "+key, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		err := fmt.Errorf("invalid window result format: %v", result)
		r.logStorageOperation("CHECK_WINDOW", key, false, time.Since(start).Seconds()*1000, err)
		return nil, unavailable("failed to check window "+key, err)
	}

	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	ttlMs, _ := values[2].(int64)

	windowResult := &domain.WindowResult{
		Allowed: allowed == 1,
		Count:   int(count),
		TTL:     time.Duration(ttlMs) * time.Millisecond,
	}
	if windowResult.Allowed {
		windowResult.Remaining = max - int(count) - 1
	}

	r.logStorageOperation("CHECK_WINDOW", key, true, time.Since(start).Seconds()*1000, nil)
	return windowResult, nil
}

// WindowCount retorna o contador atual e o TTL restante
func (r *RedisStorage) WindowCount(ctx context.Context, key string) (int, time.Duration, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, unavailable("failed to read window "+key, err)
	}

	count, err := getCmd.Int()
	if err != nil {
		if err == redis.Nil {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("invalid counter for key %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// TrackRequest registra a requisição no sorted set e devolve o resumo em uma transação
func (r *RedisStorage) TrackRequest(ctx context.Context, key string, req domain.RecentRequest, q domain.RecentQuery) (*domain.RecentActivity, error) {
	start := time.Now()

	score := req.Timestamp.UnixMicro()
	member := fmt.Sprintf("%d:%s:%s", score, uuid.New().String()[:8], req.Path)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(score), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(q.Cutoff.UnixMicro(), 10))
	if q.MaxEntries > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-(q.MaxEntries + 1)))
	}
	pipe.Expire(ctx, key, q.TTL)
	countCmd := pipe.ZCount(ctx, key, strconv.FormatInt(q.Since.UnixMicro(), 10), "+inf")

	var lastCmd *redis.StringSliceCmd
	if q.LastN > 0 {
		lastCmd = pipe.ZRange(ctx, key, int64(-q.LastN), -1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.logStorageOperation("TRACK_REQUEST", key, false, time.Since(start).Seconds()*1000, err)
		return nil, unavailable("failed to track request "+key, err)
	}

	activity := &domain.RecentActivity{CountSince: int(countCmd.Val())}
	if lastCmd != nil {
		for _, raw := range lastCmd.Val() {
			if entry, ok := parseRecentMember(raw); ok {
				activity.Last = append(activity.Last, entry)
			}
		}
	}

	r.logStorageOperation("TRACK_REQUEST", key, true, time.Since(start).Seconds()*1000, nil)
	return activity, nil
}

// HashSet grava um campo em um hash
func (r *RedisStorage) HashSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		r.logStorageOperation("HSET", key, false, 0, err)
		return unavailable("failed to set hash field "+key, err)
	}
	return nil
}

// HashDelete remove um campo de um hash
func (r *RedisStorage) HashDelete(ctx context.Context, key, field string) error {
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		r.logStorageOperation("HDEL", key, false, 0, err)
		return unavailable("failed to delete hash field "+key, err)
	}
	return nil
}

// HashGetAll lê todos os campos de um hash
func (r *RedisStorage) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		r.logStorageOperation("HGETALL", key, false, 0, err)
		return nil, unavailable("failed to read hash "+key, err)
	}
	return values, nil
}

// HashIncrBy incrementa um campo numérico de um hash
func (r *RedisStorage) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	value, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		r.logStorageOperation("HINCRBY", key, false, 0, err)
		return 0, unavailable("failed to increment hash field "+key, err)
	}
	return value, nil
}

// ListAppend adiciona ao final da lista e renova a retenção
func (r *RedisStorage) ListAppend(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logStorageOperation("RPUSH", key, false, 0, err)
		return unavailable("failed to append to list "+key, err)
	}
	return nil
}

// ListRange lê todos os valores de uma lista
func (r *RedisStorage) ListRange(ctx context.Context, key string) ([]string, error) {
	values, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		r.logStorageOperation("LRANGE", key, false, 0, err)
		return nil, unavailable("failed to read list "+key, err)
	}
	return values, nil
}

// Health verifica se o storage está saudável
func (r *RedisStorage) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("HEALTH", "ping", false, time.Since(start).Seconds()*1000, err)
		return unavailable("Redis health check failed", err)
	}

	r.logStorageOperation("HEALTH", "ping", true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStorage) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("Failed to close Redis connection", err, nil)
			}
			return err
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed", nil)
		}
	}
	return nil
}

// logStorageOperation registra operações de storage
func (r *RedisStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if r.logger == nil {
		return
	}
	if success {
		r.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	} else {
		r.logger.Error("Storage operation failed", err, map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	}
}

// parseRecentMember decodifica "{micros}:{nonce}:{path}"
func parseRecentMember(raw string) (domain.RecentRequest, bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return domain.RecentRequest{}, false
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.RecentRequest{}, false
	}
	return domain.RecentRequest{
		Timestamp: time.UnixMicro(micros),
		Path:      parts[2],
	}, true
}

// unavailable envolve erros de rede com domain.ErrStoreUnavailable
func unavailable(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, domain.ErrStoreUnavailable, err)
}
