package threat

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"adaptive-limiter/internal/domain"

	"github.com/mssola/useragent"
)

// Pesos das contribuições heurísticas
const (
	WeightURLPattern    = 0.3
	WeightHeaderPattern = 0.2
	WeightHighRate      = 0.4
	WeightRepetition    = 0.3
	WeightUserAgent     = 0.2
)

// Nomes dos indicadores comportamentais
const (
	IndicatorHighRate      = "high_request_rate"
	IndicatorRepetition    = "repetitive_pattern"
	IndicatorUserAgent     = "suspicious_user_agent"
	urlIndicatorPrefix     = "url:"
	headerIndicatorPrefix  = "header:"
	repetitionSampleSize   = 20
	repetitionMinRequests  = 10
	repetitionShare        = 0.8
	defaultRecentLogTTL    = time.Hour
	defaultRecentLogMaxLen = 1000
)

var idSegment = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F-]{16,})$`)

// RecentKey monta a chave do log de requisições recentes
func RecentKey(fingerprint string) string {
	return "recent_requests:" + fingerprint
}

// ScorerConfig parametriza os sinais comportamentais
type ScorerConfig struct {
	BehaviorThreshold int
	BehaviorWindow    time.Duration
	StoreTimeout      time.Duration
	RecentLogTTL      time.Duration
	RecentLogMaxLen   int
}

func (c *ScorerConfig) applyDefaults() {
	if c.BehaviorThreshold <= 0 {
		c.BehaviorThreshold = 50
	}
	if c.BehaviorWindow <= 0 {
		c.BehaviorWindow = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.RecentLogTTL <= 0 {
		c.RecentLogTTL = defaultRecentLogTTL
	}
	if c.RecentLogMaxLen <= 0 {
		c.RecentLogMaxLen = defaultRecentLogMaxLen
	}
}

// Scorer calcula a avaliação heurística de ameaça por requisição
type Scorer struct {
	store    domain.SharedStore
	anomaly  *AnomalyDetector
	logger   domain.Logger
	cfg      ScorerConfig
	patterns atomic.Pointer[PatternSet]
	now      func() time.Time
}

// NewScorer cria o scorer; patterns nil usa a tabela embutida
func NewScorer(store domain.SharedStore, anomaly *AnomalyDetector, patterns *PatternSet, cfg ScorerConfig, logger domain.Logger) *Scorer {
	cfg.applyDefaults()
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	if anomaly == nil {
		anomaly = NewAnomalyDetector()
	}

	s := &Scorer{
		store:   store,
		anomaly: anomaly,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	s.patterns.Store(patterns)
	return s
}

// SetPatterns troca a tabela de assinaturas em uso
func (s *Scorer) SetPatterns(set *PatternSet) {
	if set != nil {
		s.patterns.Store(set)
	}
}

// Patterns retorna a tabela de assinaturas em uso
func (s *Scorer) Patterns() *PatternSet {
	return s.patterns.Load()
}

// Assess nunca falha: qualquer erro ou panic resulta em risco LOW
func (s *Scorer) Assess(ctx context.Context, identity domain.Identity, meta domain.ClientMeta) (assessment domain.ThreatAssessment) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Threat scoring panicked, defaulting to LOW", fmt.Errorf("%v", r), map[string]interface{}{
				"ip": identity.IP,
			})
			assessment = domain.ThreatAssessment{Risk: domain.RiskLow}
		}
	}()

	patterns := s.patterns.Load()
	var score float64
	var indicators []string

	for _, name := range patterns.MatchURL(urlTarget(meta)) {
		score += WeightURLPattern
		indicators = append(indicators, urlIndicatorPrefix+name)
	}

	for _, name := range patterns.MatchHeaders(meta.Headers) {
		score += WeightHeaderPattern
		indicators = append(indicators, headerIndicatorPrefix+name)
	}

	rate, recentCount, repetitive := s.behavior(ctx, identity, meta)
	if recentCount > s.cfg.BehaviorThreshold {
		score += WeightHighRate
		indicators = append(indicators, IndicatorHighRate)
	}
	if repetitive {
		score += WeightRepetition
		indicators = append(indicators, IndicatorRepetition)
	}

	if s.suspiciousIdentity(identity, patterns) {
		score += WeightUserAgent
		indicators = append(indicators, IndicatorUserAgent)
	}

	score = roundScore(score)
	if score > 1.0 {
		score = 1.0
	}

	// A taxa é avaliada contra o histórico anterior e só então registrada
	anomalous := s.anomaly.IsAnomalous(identity.Fingerprint, rate)
	s.anomaly.Observe(identity.Fingerprint, rate)

	risk := Classify(score, len(indicators))
	if anomalous {
		risk = risk.Escalate()
	}

	return domain.ThreatAssessment{
		Indicators:   indicators,
		Score:        score,
		Risk:         risk,
		Anomalous:    anomalous,
		ObservedRate: rate,
	}
}

// Classify converte score e quantidade de indicadores em nível de risco
func Classify(score float64, indicators int) domain.RiskLevel {
	switch {
	case score > 0.7 || indicators >= 4:
		return domain.RiskHigh
	case score > 0.5 || indicators >= 2:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// behavior registra a requisição no log recente e extrai os sinais comportamentais.
// Falhas de storage zeram esses sinais.
func (s *Scorer) behavior(ctx context.Context, identity domain.Identity, meta domain.ClientMeta) (rate float64, count int, repetitive bool) {
	now := s.now()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	activity, err := s.store.TrackRequest(ctx, RecentKey(identity.Fingerprint), domain.RecentRequest{
		Timestamp: now,
		Path:      NormalizePath(meta.Path),
	}, domain.RecentQuery{
		Cutoff:     now.Add(-s.cfg.RecentLogTTL),
		Since:      now.Add(-s.cfg.BehaviorWindow),
		LastN:      repetitionSampleSize,
		MaxEntries: s.cfg.RecentLogMaxLen,
		TTL:        s.cfg.RecentLogTTL,
	})
	if err != nil {
		s.logger.Warn("Recent request log unavailable, behavioral signals skipped", map[string]interface{}{
			"error": err.Error(),
			"ip":    identity.IP,
		})
		return 0, 0, false
	}

	count = activity.CountSince
	rate = float64(count) / s.cfg.BehaviorWindow.Seconds()
	return rate, count, isRepetitive(activity.Last)
}

// isRepetitive: ao menos 80% das últimas (>= 10) requisições no mesmo caminho
func isRepetitive(last []domain.RecentRequest) bool {
	if len(last) < repetitionMinRequests {
		return false
	}

	counts := make(map[string]int, len(last))
	top := 0
	for _, r := range last {
		counts[r.Path]++
		if counts[r.Path] > top {
			top = counts[r.Path]
		}
	}
	return float64(top)/float64(len(last)) >= repetitionShare
}

// suspiciousIdentity: user-agent ausente, curto demais, ferramenta conhecida,
// crawler que se declara como navegador, ou IP impossível de determinar.
// Clientes de app (okhttp, Postman) não se passam por navegador e não contam.
func (s *Scorer) suspiciousIdentity(identity domain.Identity, patterns *PatternSet) bool {
	ua := strings.TrimSpace(identity.UserAgent)
	if ua == "" || identity.Malformed {
		return true
	}
	if len(ua) < patterns.MinUserAgentLength() {
		return true
	}
	if patterns.IsToolUserAgent(ua) {
		return true
	}
	if !strings.HasPrefix(ua, "Mozilla/") {
		return false
	}
	return useragent.New(ua).Bot()
}

// NormalizePath remove identificadores para que /download/1 e /download/2 coincidam
func NormalizePath(path string) string {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if idSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}
	normalized := strings.Join(segments, "/")
	if normalized == "" {
		return "/"
	}
	return normalized
}

// urlTarget junta caminho, query bruta e query decodificada
func urlTarget(meta domain.ClientMeta) string {
	target := meta.Path
	if meta.RawQuery == "" {
		return target
	}
	target += "?" + meta.RawQuery
	if decoded, err := url.QueryUnescape(meta.RawQuery); err == nil && decoded != meta.RawQuery {
		target += " " + decoded
	}
	return target
}

// roundScore evita que somas como 0.4+0.3 ultrapassem os limiares por erro de ponto flutuante
func roundScore(score float64) float64 {
	return math.Round(score*100) / 100
}
