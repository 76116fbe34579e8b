package domain

import (
	"context"
	"time"
)

// RecentQuery parametriza o registro no log de requisições recentes
type RecentQuery struct {
	Cutoff     time.Time     // entradas anteriores são removidas
	Since      time.Time     // início da janela curta de contagem
	LastN      int           // quantidade de entradas mais recentes retornadas
	MaxEntries int           // limite de tamanho do log
	TTL        time.Duration // expiração do log inteiro
}

// RecentActivity é o resumo devolvido após registrar uma requisição
type RecentActivity struct {
	CountSince int
	Last       []RecentRequest
}

// SharedStore define o armazenamento compartilhado entre instâncias
// Implementa o Strategy Pattern (memória ou Redis)
type SharedStore interface {
	// CheckWindow executa a verificação atômica de janela fixa
	CheckWindow(ctx context.Context, key string, max int, window time.Duration) (*WindowResult, error)

	// WindowCount retorna o contador atual e o TTL restante de uma janela
	WindowCount(ctx context.Context, key string) (int, time.Duration, error)

	// TrackRequest registra uma requisição no log recente e devolve o resumo
	TrackRequest(ctx context.Context, key string, req RecentRequest, q RecentQuery) (*RecentActivity, error)

	// HashSet grava um campo em um hash
	HashSet(ctx context.Context, key, field, value string) error

	// HashDelete remove um campo de um hash
	HashDelete(ctx context.Context, key, field string) error

	// HashGetAll lê todos os campos de um hash
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashIncrBy incrementa um campo numérico de um hash
	HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// ListAppend adiciona um valor ao final de uma lista e renova o TTL
	ListAppend(ctx context.Context, key, value string, ttl time.Duration) error

	// ListRange lê todos os valores de uma lista
	ListRange(ctx context.Context, key string) ([]string, error)

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o storage
	Close() error
}

// RateLimiterService é a fachada consultada pela camada HTTP
type RateLimiterService interface {
	// Evaluate decide se uma requisição deve ser aceita
	Evaluate(ctx context.Context, meta ClientMeta, category Category) *EvaluationResult

	AddDenyIP(ctx context.Context, ip, reason string) error
	RemoveDenyIP(ctx context.Context, ip string) error
	AddAllowIP(ctx context.Context, ip, reason string) error
	RemoveAllowIP(ctx context.Context, ip string) error

	GetStats(ctx context.Context) *Stats
	GetSuspiciousActivityReport(ctx context.Context, hours int) *SuspiciousActivityReport
	RecentEvents(limit int) []Event
	AccessListEntries(list ListType) []AccessListEntry
	Policies() []RateLimitPolicy
	ReloadPolicies(overrides map[Category]RateLimitPolicy) error
	Adaptive() AdaptiveSnapshot
	PatternsVersion() string
	WindowUsage(ctx context.Context, fingerprint string, category Category) (*WindowUsage, error)
	StoreStats() map[string]interface{}
	Health(ctx context.Context) error
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}

// ConfigLoader define a interface para carregamento de configurações
type ConfigLoader interface {
	LoadConfig() (*LimiterConfig, error)
	Reload() (*LimiterConfig, error)
}
