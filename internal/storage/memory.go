package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"adaptive-limiter/internal/domain"
)

// counterEntry é uma janela fixa em memória
type counterEntry struct {
	count     int
	expiresAt time.Time
}

// recentLog é um log ordenado por tempo de requisições recentes
type recentLog struct {
	entries   []domain.RecentRequest
	expiresAt time.Time
}

// listEntry é uma lista append-only com expiração
type listEntry struct {
	values    []string
	expiresAt time.Time
}

// MemoryStorage implementa domain.SharedStore em memória
// Útil para desenvolvimento, testes e instâncias únicas
type MemoryStorage struct {
	counters map[string]*counterEntry
	recent   map[string]*recentLog
	hashes   map[string]map[string]string
	lists    map[string]*listEntry
	mutex    sync.Mutex
	logger   domain.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStorage cria uma nova instância do MemoryStorage
func NewMemoryStorage(logger domain.Logger) *MemoryStorage {
	storage := &MemoryStorage{
		counters: make(map[string]*counterEntry),
		recent:   make(map[string]*recentLog),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string]*listEntry),
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	// Inicia goroutine de limpeza
	go storage.cleanup()

	if logger != nil {
		logger.Info("Memory storage initialized", nil)
	}

	return storage
}

// CheckWindow executa a verificação de janela fixa sob o mutex
func (m *MemoryStorage) CheckWindow(ctx context.Context, key string, max int, window time.Duration) (*domain.WindowResult, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	entry, exists := m.counters[key]
	if !exists || !now.Before(entry.expiresAt) {
		// Primeira requisição da janela: contador e TTL definidos juntos
		m.counters[key] = &counterEntry{count: 1, expiresAt: now.Add(window)}
		m.logStorageOperation("CHECK_WINDOW", key, true, time.Since(start).Seconds()*1000, nil)
		return &domain.WindowResult{
			Allowed:   true,
			Count:     0,
			Remaining: max - 1,
			TTL:       window,
		}, nil
	}

	ttl := entry.expiresAt.Sub(now)
	if entry.count >= max {
		m.logStorageOperation("CHECK_WINDOW", key, true, time.Since(start).Seconds()*1000, nil)
		return &domain.WindowResult{
			Allowed:   false,
			Count:     entry.count,
			Remaining: 0,
			TTL:       ttl,
		}, nil
	}

	count := entry.count
	entry.count++

	m.logStorageOperation("CHECK_WINDOW", key, true, time.Since(start).Seconds()*1000, nil)
	return &domain.WindowResult{
		Allowed:   true,
		Count:     count,
		Remaining: max - count - 1,
		TTL:       ttl,
	}, nil
}

// WindowCount retorna o contador atual e o TTL restante
func (m *MemoryStorage) WindowCount(ctx context.Context, key string) (int, time.Duration, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	entry, exists := m.counters[key]
	if !exists || !now.Before(entry.expiresAt) {
		return 0, 0, nil
	}
	return entry.count, entry.expiresAt.Sub(now), nil
}

// TrackRequest adiciona a requisição, poda o log e devolve o resumo
func (m *MemoryStorage) TrackRequest(ctx context.Context, key string, req domain.RecentRequest, q domain.RecentQuery) (*domain.RecentActivity, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	log, exists := m.recent[key]
	if !exists || !now.Before(log.expiresAt) {
		log = &recentLog{}
		m.recent[key] = log
	}

	// Insere mantendo a ordem temporal
	idx := sort.Search(len(log.entries), func(i int) bool {
		return log.entries[i].Timestamp.After(req.Timestamp)
	})
	log.entries = append(log.entries, domain.RecentRequest{})
	copy(log.entries[idx+1:], log.entries[idx:])
	log.entries[idx] = req

	// Remove entradas abaixo do corte
	firstValid := sort.Search(len(log.entries), func(i int) bool {
		return !log.entries[i].Timestamp.Before(q.Cutoff)
	})
	log.entries = log.entries[firstValid:]

	if q.MaxEntries > 0 && len(log.entries) > q.MaxEntries {
		log.entries = log.entries[len(log.entries)-q.MaxEntries:]
	}
	log.expiresAt = now.Add(q.TTL)

	activity := &domain.RecentActivity{}
	sinceIdx := sort.Search(len(log.entries), func(i int) bool {
		return !log.entries[i].Timestamp.Before(q.Since)
	})
	activity.CountSince = len(log.entries) - sinceIdx

	if q.LastN > 0 {
		from := len(log.entries) - q.LastN
		if from < 0 {
			from = 0
		}
		activity.Last = append([]domain.RecentRequest(nil), log.entries[from:]...)
	}

	m.logStorageOperation("TRACK_REQUEST", key, true, time.Since(start).Seconds()*1000, nil)
	return activity, nil
}

// HashSet grava um campo em um hash
func (m *MemoryStorage) HashSet(ctx context.Context, key, field, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hash, exists := m.hashes[key]
	if !exists {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	hash[field] = value
	return nil
}

// HashDelete remove um campo de um hash
func (m *MemoryStorage) HashDelete(ctx context.Context, key, field string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if hash, exists := m.hashes[key]; exists {
		delete(hash, field)
		if len(hash) == 0 {
			delete(m.hashes, key)
		}
	}
	return nil
}

// HashGetAll retorna uma cópia de todos os campos do hash
func (m *MemoryStorage) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		result[k] = v
	}
	return result, nil
}

// HashIncrBy incrementa um campo numérico
func (m *MemoryStorage) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hash, exists := m.hashes[key]
	if !exists {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}

	current, _ := strconv.ParseInt(hash[field], 10, 64)
	current += delta
	hash[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// ListAppend adiciona um valor à lista e renova o TTL
func (m *MemoryStorage) ListAppend(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	list, exists := m.lists[key]
	if !exists || !now.Before(list.expiresAt) {
		list = &listEntry{}
		m.lists[key] = list
	}
	list.values = append(list.values, value)
	list.expiresAt = now.Add(ttl)
	return nil
}

// ListRange retorna uma cópia dos valores da lista
func (m *MemoryStorage) ListRange(ctx context.Context, key string) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	list, exists := m.lists[key]
	if !exists || !m.now().Before(list.expiresAt) {
		return []string{}, nil
	}
	return append([]string(nil), list.values...), nil
}

// Health verifica se o storage está saudável
func (m *MemoryStorage) Health(ctx context.Context) error {
	m.logStorageOperation("HEALTH", "check", true, 0, nil)
	return nil
}

// Close interrompe a limpeza e descarta os dados
func (m *MemoryStorage) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters = make(map[string]*counterEntry)
	m.recent = make(map[string]*recentLog)
	m.hashes = make(map[string]map[string]string)
	m.lists = make(map[string]*listEntry)

	if m.logger != nil {
		m.logger.Info("Memory storage closed", nil)
	}
	return nil
}

// cleanup remove entradas expiradas periodicamente
func (m *MemoryStorage) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanupExpiredEntries()
		}
	}
}

// cleanupExpiredEntries remove janelas, logs e listas expirados
func (m *MemoryStorage) cleanupExpiredEntries() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	removed := 0

	for key, entry := range m.counters {
		if !now.Before(entry.expiresAt) {
			delete(m.counters, key)
			removed++
		}
	}
	for key, log := range m.recent {
		if !now.Before(log.expiresAt) {
			delete(m.recent, key)
			removed++
		}
	}
	for key, list := range m.lists {
		if !now.Before(list.expiresAt) {
			delete(m.lists, key)
			removed++
		}
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory storage cleanup completed", map[string]interface{}{
			"removed_entries": removed,
		})
	}
}

// GetStats retorna estatísticas do storage em memória
func (m *MemoryStorage) GetStats() map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return map[string]interface{}{
		"counter_entries": len(m.counters),
		"recent_logs":     len(m.recent),
		"hashes":          len(m.hashes),
		"lists":           len(m.lists),
		"type":            "memory",
	}
}

// logStorageOperation registra operações de storage
func (m *MemoryStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if m.logger == nil {
		return
	}

	if success {
		m.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	} else {
		m.logger.Error("Storage operation failed", err, map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	}
}
