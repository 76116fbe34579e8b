package accesslist

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"adaptive-limiter/internal/domain"
)

// Chaves persistidas no storage compartilhado
const (
	DenyListKey  = "ip_blacklist"
	AllowListKey = "ip_whitelist"
)

const seedReason = "configuration"

// Manager mantém as listas de allow/deny em memória com write-through para o storage.
// Consultas nunca tocam o storage; Sync traz alterações feitas por outras instâncias.
type Manager struct {
	store   domain.SharedStore
	logger  domain.Logger
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	lists map[domain.ListType]map[string]domain.AccessListEntry
	seeds map[domain.ListType]map[string]struct{}
}

// NewManager cria um Manager vazio; use Load para semear e sincronizar
func NewManager(store domain.SharedStore, logger domain.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Manager{
		store:   store,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		lists: map[domain.ListType]map[string]domain.AccessListEntry{
			domain.DenyList:  {},
			domain.AllowList: {},
		},
		seeds: map[domain.ListType]map[string]struct{}{
			domain.DenyList:  {},
			domain.AllowList: {},
		},
	}
}

// Load semeia as listas da configuração e sobrepõe as entradas persistidas.
// IPs inválidos na configuração são ignorados com warning.
func (m *Manager) Load(ctx context.Context, denyIPs, allowIPs []string) error {
	m.mu.Lock()
	m.seedLocked(domain.DenyList, denyIPs)
	m.seedLocked(domain.AllowList, allowIPs)
	m.mu.Unlock()

	return m.Sync(ctx)
}

func (m *Manager) seedLocked(list domain.ListType, ips []string) {
	for _, raw := range ips {
		ip, err := normalizeIP(raw)
		if err != nil {
			m.logger.Warn("Ignoring invalid IP in configuration", map[string]interface{}{
				"ip":   raw,
				"list": list,
			})
			continue
		}
		m.seeds[list][ip] = struct{}{}
		if _, exists := m.lists[list][ip]; !exists {
			m.lists[list][ip] = domain.AccessListEntry{IP: ip, List: list, Reason: seedReason, CreatedAt: m.now()}
		}
	}
}

// Sync relê as listas persistidas. Em caso de falha o cache atual é mantido.
func (m *Manager) Sync(ctx context.Context) error {
	deny, err := m.readPersisted(ctx, domain.DenyList)
	if err != nil {
		return err
	}
	allow, err := m.readPersisted(ctx, domain.AllowList)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for list, persisted := range map[domain.ListType]map[string]domain.AccessListEntry{
		domain.DenyList:  deny,
		domain.AllowList: allow,
	} {
		next := make(map[string]domain.AccessListEntry, len(persisted)+len(m.seeds[list]))
		for ip := range m.seeds[list] {
			if current, ok := m.lists[list][ip]; ok {
				next[ip] = current
			} else {
				next[ip] = domain.AccessListEntry{IP: ip, List: list, Reason: seedReason, CreatedAt: m.now()}
			}
		}
		for ip, entry := range persisted {
			next[ip] = entry
		}
		m.lists[list] = next
	}

	return nil
}

func (m *Manager) readPersisted(ctx context.Context, list domain.ListType) (map[string]domain.AccessListEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.store.HashGetAll(ctx, storeKey(list))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s list: %w", list, err)
	}

	entries := make(map[string]domain.AccessListEntry, len(raw))
	for ip, value := range raw {
		var entry domain.AccessListEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			// Entradas gravadas por versões antigas podem conter só o motivo
			entry = domain.AccessListEntry{Reason: value}
		}
		entry.IP = ip
		entry.List = list
		entries[ip] = entry
	}
	return entries, nil
}

// Run sincroniza periodicamente até o contexto ser cancelado
func (m *Manager) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				m.logger.Warn("Access list sync failed, keeping cached lists", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// IsDenied verifica se o IP está na deny-list
func (m *Manager) IsDenied(ip string) bool {
	return m.contains(domain.DenyList, ip)
}

// IsAllowed verifica se o IP está na allow-list
func (m *Manager) IsAllowed(ip string) bool {
	return m.contains(domain.AllowList, ip)
}

func (m *Manager) contains(list domain.ListType, ip string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lists[list][ip]
	return ok
}

func (m *Manager) AddDeny(ctx context.Context, ip, reason string) error {
	return m.add(ctx, domain.DenyList, ip, reason)
}

func (m *Manager) RemoveDeny(ctx context.Context, ip string) error {
	return m.remove(ctx, domain.DenyList, ip)
}

func (m *Manager) AddAllow(ctx context.Context, ip, reason string) error {
	return m.add(ctx, domain.AllowList, ip, reason)
}

func (m *Manager) RemoveAllow(ctx context.Context, ip string) error {
	return m.remove(ctx, domain.AllowList, ip)
}

// add é idempotente: um IP já presente mantém a entrada original
func (m *Manager) add(ctx context.Context, list domain.ListType, rawIP, reason string) error {
	ip, err := normalizeIP(rawIP)
	if err != nil {
		return err
	}

	if m.contains(list, ip) {
		return nil
	}

	entry := domain.AccessListEntry{
		IP:        ip,
		List:      list,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: m.now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode access list entry: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.HashSet(storeCtx, storeKey(list), ip, string(payload)); err != nil {
		return fmt.Errorf("failed to persist %s entry for %s: %w", list, ip, err)
	}

	m.mu.Lock()
	if _, exists := m.lists[list][ip]; !exists {
		m.lists[list][ip] = entry
	}
	m.mu.Unlock()

	m.logger.Info("Access list entry added", map[string]interface{}{
		"ip":     ip,
		"list":   list,
		"reason": entry.Reason,
	})
	return nil
}

// remove de um IP ausente não altera o estado
func (m *Manager) remove(ctx context.Context, list domain.ListType, rawIP string) error {
	ip, err := normalizeIP(rawIP)
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.HashDelete(storeCtx, storeKey(list), ip); err != nil {
		return fmt.Errorf("failed to remove %s entry for %s: %w", list, ip, err)
	}

	m.mu.Lock()
	_, existed := m.lists[list][ip]
	delete(m.lists[list], ip)
	delete(m.seeds[list], ip)
	m.mu.Unlock()

	if existed {
		m.logger.Info("Access list entry removed", map[string]interface{}{
			"ip":   ip,
			"list": list,
		})
	}
	return nil
}

// Sizes retorna o tamanho das listas (deny, allow)
func (m *Manager) Sizes() (deny int, allow int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lists[domain.DenyList]), len(m.lists[domain.AllowList])
}

// Entries retorna as entradas de uma lista ordenadas por IP
func (m *Manager) Entries(list domain.ListType) []domain.AccessListEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.AccessListEntry, 0, len(m.lists[list]))
	for _, entry := range m.lists[list] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func storeKey(list domain.ListType) string {
	if list == domain.AllowList {
		return AllowListKey
	}
	return DenyListKey
}

func normalizeIP(raw string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidIP, raw)
	}
	return ip.String(), nil
}
