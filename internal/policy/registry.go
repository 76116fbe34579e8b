package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"adaptive-limiter/internal/domain"
)

// Defaults retorna a tabela padrão de políticas por categoria
func Defaults() map[domain.Category]domain.RateLimitPolicy {
	return map[domain.Category]domain.RateLimitPolicy{
		domain.CategoryDefault:  {Category: domain.CategoryDefault, MaxRequests: 100, Window: 60 * time.Second},
		domain.CategoryAuth:     {Category: domain.CategoryAuth, MaxRequests: 10, Window: 60 * time.Second},
		domain.CategoryAPI:      {Category: domain.CategoryAPI, MaxRequests: 1000, Window: time.Hour},
		domain.CategoryAdmin:    {Category: domain.CategoryAdmin, MaxRequests: 50, Window: 60 * time.Second},
		domain.CategoryUpload:   {Category: domain.CategoryUpload, MaxRequests: 10, Window: 60 * time.Second},
		domain.CategoryDownload: {Category: domain.CategoryDownload, MaxRequests: 100, Window: 60 * time.Second},
		domain.CategorySearch:   {Category: domain.CategorySearch, MaxRequests: 30, Window: 60 * time.Second},
		domain.CategoryReport:   {Category: domain.CategoryReport, MaxRequests: 20, Window: 60 * time.Second},
	}
}

// Registry mapeia categorias para políticas.
// A tabela só muda por Replace (reload administrativo), nunca durante uma avaliação.
type Registry struct {
	mu       sync.RWMutex
	policies map[domain.Category]domain.RateLimitPolicy
}

// NewRegistry cria o registry com os padrões sobrepostos pelos overrides
func NewRegistry(overrides map[domain.Category]domain.RateLimitPolicy) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(overrides); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup retorna a política da categoria, caindo para default quando ausente
func (r *Registry) Lookup(category domain.Category) domain.RateLimitPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.policies[category]; ok {
		return p
	}
	return r.policies[domain.CategoryDefault]
}

// Get retorna a política da categoria ou ErrPolicyNotFound
func (r *Registry) Get(category domain.Category) (domain.RateLimitPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[category]
	if !ok {
		return domain.RateLimitPolicy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, category)
	}
	return p, nil
}

// Replace troca a tabela inteira: padrões + overrides validados
func (r *Registry) Replace(overrides map[domain.Category]domain.RateLimitPolicy) error {
	next := Defaults()
	for category, p := range overrides {
		if _, known := next[category]; !known {
			return fmt.Errorf("unknown category %q", category)
		}
		if p.MaxRequests <= 0 {
			return fmt.Errorf("policy %s: max requests must be positive", category)
		}
		if p.Window < time.Second {
			return fmt.Errorf("policy %s: window must be at least 1s", category)
		}
		p.Category = category
		next[category] = p
	}

	r.mu.Lock()
	r.policies = next
	r.mu.Unlock()
	return nil
}

// All retorna todas as políticas ordenadas pela ordem das categorias
func (r *Registry) All() []domain.RateLimitPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.RateLimitPolicy, 0, len(r.policies))
	for _, category := range domain.AllCategories() {
		if p, ok := r.policies[category]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ParseCategory converte texto para categoria; é o único caminho string→Category
func ParseCategory(raw string) (domain.Category, bool) {
	candidate := domain.Category(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range domain.AllCategories() {
		if c == candidate {
			return c, true
		}
	}
	return domain.CategoryDefault, false
}

// ParseSpec lê uma política no formato "max/window", ex.: "10/60s" ou "1000/3600"
func ParseSpec(category domain.Category, raw string) (domain.RateLimitPolicy, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 {
		return domain.RateLimitPolicy{}, fmt.Errorf("invalid policy %q: expected max/window", raw)
	}

	max, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || max <= 0 {
		return domain.RateLimitPolicy{}, fmt.Errorf("invalid policy %q: bad max requests", raw)
	}

	window, err := parseWindow(parts[1])
	if err != nil {
		return domain.RateLimitPolicy{}, fmt.Errorf("invalid policy %q: %w", raw, err)
	}

	return domain.RateLimitPolicy{Category: category, MaxRequests: max, Window: window}, nil
}

func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// Names lista as categorias conhecidas (útil em mensagens de erro)
func Names() []string {
	names := make([]string, 0, len(domain.AllCategories()))
	for _, c := range domain.AllCategories() {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
