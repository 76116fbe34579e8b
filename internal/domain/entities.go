package domain

import (
	"net/http"
	"time"
)

// Category é a enumeração fechada de categorias de requisição
type Category string

const (
	CategoryDefault  Category = "default"
	CategoryAuth     Category = "auth"
	CategoryAPI      Category = "api"
	CategoryAdmin    Category = "admin"
	CategoryUpload   Category = "upload"
	CategoryDownload Category = "download"
	CategorySearch   Category = "search"
	CategoryReport   Category = "report"
)

// AllCategories lista as categorias conhecidas em ordem estável
func AllCategories() []Category {
	return []Category{
		CategoryDefault,
		CategoryAuth,
		CategoryAPI,
		CategoryAdmin,
		CategoryUpload,
		CategoryDownload,
		CategorySearch,
		CategoryReport,
	}
}

// RateLimitPolicy define a cota de uma categoria
type RateLimitPolicy struct {
	Category    Category      `json:"category"`
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"-"`
}

// WindowSeconds retorna a janela em segundos
func (p RateLimitPolicy) WindowSeconds() int {
	return int(p.Window / time.Second)
}

// RiskLevel é o nível discreto de risco de uma requisição
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Escalate sobe um nível de risco (HIGH permanece HIGH)
func (r RiskLevel) Escalate() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ClientMeta contém os metadados brutos da requisição usados pelo limiter
type ClientMeta struct {
	RemoteAddr string
	Method     string
	Path       string
	RawQuery   string
	Headers    http.Header
}

// Identity é o resultado da identificação do cliente
type Identity struct {
	IP          string `json:"ip"`
	Fingerprint string `json:"fingerprint"`
	UserAgent   string `json:"userAgent"`
	// Malformed indica metadados ausentes ou inválidos (sinal fraco de ameaça)
	Malformed bool `json:"malformed"`
}

// ThreatAssessment é a avaliação de ameaça por requisição
type ThreatAssessment struct {
	Indicators   []string  `json:"indicators"`
	Score        float64   `json:"score"`
	Risk         RiskLevel `json:"riskLevel"`
	Anomalous    bool      `json:"anomalous"`
	ObservedRate float64   `json:"observedRate"`
}

// ListType identifica a lista de acesso
type ListType string

const (
	AllowList ListType = "allow"
	DenyList  ListType = "deny"
)

// AccessListEntry representa um IP em uma lista de acesso
type AccessListEntry struct {
	IP        string    `json:"ip"`
	List      ListType  `json:"list"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// WindowUsage é a leitura de uma janela sem incremento
type WindowUsage struct {
	Fingerprint  string   `json:"fingerprint"`
	Category     Category `json:"category"`
	Count        int      `json:"count"`
	Limit        int      `json:"limit"`
	ResetSeconds int      `json:"reset_seconds"`
}

// WindowResult é o resultado da verificação atômica da janela fixa
type WindowResult struct {
	Allowed bool
	// Count é o valor do contador antes do incremento
	Count     int
	Remaining int
	TTL       time.Duration
}

// RecentRequest é uma entrada do log de requisições recentes
type RecentRequest struct {
	Timestamp time.Time
	Path      string
}

// Outcome é o desfecho tipado de uma avaliação
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeWhitelisted      Outcome = "whitelisted"
	OutcomeDenyListed       Outcome = "deny_listed"
	OutcomeQuotaExceeded    Outcome = "quota_exceeded"
	OutcomeStoreUnavailable Outcome = "store_unavailable"
)

// EvaluationResult é o contrato de saída de Evaluate
type EvaluationResult struct {
	Allowed           bool      `json:"allowed"`
	Whitelisted       bool      `json:"whitelisted"`
	Remaining         int       `json:"remaining"`
	Limit             int       `json:"limit"`
	ResetTime         *int      `json:"reset_time"`
	RiskLevel         RiskLevel `json:"risk_level"`
	ThreatScore       float64   `json:"threat_score"`
	Indicators        []string  `json:"indicators,omitempty"`
	Category          Category  `json:"category"`
	RequestedCategory Category  `json:"requested_category"`
	Outcome           Outcome   `json:"outcome"`
	StatusCode        int       `json:"-"`
	ClientIP          string    `json:"-"`
	Fingerprint       string    `json:"-"`
}

// EventKind diferencia eventos de limite, ameaça e erro
type EventKind string

const (
	EventRateLimit EventKind = "rate_limit"
	EventThreat    EventKind = "threat"
	EventError     EventKind = "error"
)

// Tipos de evento de ameaça/erro
const (
	EventTypeBlacklistedIP    = "BLACKLISTED_IP"
	EventTypeSuspicious       = "SUSPICIOUS_REQUEST"
	EventTypeStoreUnavailable = "STORE_UNAVAILABLE"
)

// Event é um registro imutável de auditoria
type Event struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	Type        string    `json:"type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ClientIP    string    `json:"client_ip"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Category    Category  `json:"category"`
	Decision    string    `json:"decision"`
	RiskLevel   RiskLevel `json:"risk_level"`
	ThreatScore float64   `json:"threat_score"`
	Indicators  []string  `json:"indicators,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Stats é o resumo exposto por GetStats
type Stats struct {
	TotalEvents      int `json:"total_events"`
	SuspiciousEvents int `json:"suspicious_events"`
	HighRiskEvents   int `json:"high_risk_events"`
	WhitelistSize    int `json:"whitelist_size"`
	BlacklistSize    int `json:"blacklist_size"`
}

// IPCount associa um IP a uma contagem
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// SuspiciousActivityReport é o relatório de atividades suspeitas
type SuspiciousActivityReport struct {
	Hours            int               `json:"hours"`
	TotalActivities  int               `json:"total_activities"`
	UniqueIPs        int               `json:"unique_ips"`
	RiskDistribution map[RiskLevel]int `json:"risk_distribution"`
	TopIPs           []IPCount         `json:"top_ips"`
}

// AdaptiveSnapshot expõe o estado do controlador adaptativo
type AdaptiveSnapshot struct {
	Multiplier   float64 `json:"multiplier"`
	LearningRate float64 `json:"learning_rate"`
	Samples      int     `json:"samples"`
	MeanRate     float64 `json:"mean_rate"`
}

// LimiterConfig representa todas as configurações do engine
type LimiterConfig struct {
	Policies            map[Category]RateLimitPolicy
	StoreTimeout        time.Duration
	EventWriteTimeout   time.Duration
	EventBufferSize     int
	EventRetention      time.Duration
	BehaviorThreshold   int
	BehaviorWindow      time.Duration
	LearningRate        float64
	DenyIPs             []string
	AllowIPs            []string
	ThreatPatternsFile  string
	AccessListSyncEvery time.Duration
}
