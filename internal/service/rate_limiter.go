package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"adaptive-limiter/internal/accesslist"
	"adaptive-limiter/internal/adaptive"
	"adaptive-limiter/internal/counter"
	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/events"
	"adaptive-limiter/internal/fingerprint"
	"adaptive-limiter/internal/metrics"
	"adaptive-limiter/internal/policy"
	"adaptive-limiter/internal/threat"
)

// decisionLogger é implementado pelo logger estruturado
type decisionLogger interface {
	LogDecision(result *domain.EvaluationResult, fields map[string]interface{})
}

// RateLimiterService implementa a fachada do limiter: identifica o cliente,
// aplica as listas de acesso, avalia ameaça e verifica a janela
type RateLimiterService struct {
	store      domain.SharedStore
	logger     domain.Logger
	metrics    *metrics.Metrics
	identifier *fingerprint.Identifier
	policies   *policy.Registry
	access     *accesslist.Manager
	scorer     *threat.Scorer
	anomaly    *threat.AnomalyDetector
	adaptive   *adaptive.Controller
	counter    *counter.WindowCounter
	events     *events.Recorder
	timeout    time.Duration
}

// NewRateLimiterService monta o serviço e seus colaboradores a partir da configuração.
// metrics pode ser nil.
func NewRateLimiterService(
	store domain.SharedStore,
	config *domain.LimiterConfig,
	logger domain.Logger,
	m *metrics.Metrics,
) (*RateLimiterService, error) {
	if config == nil {
		config = &domain.LimiterConfig{}
	}

	registry, err := policy.NewRegistry(config.Policies)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit policies: %w", err)
	}

	var patterns *threat.PatternSet
	if config.ThreatPatternsFile != "" {
		patterns, err = threat.LoadPatternFile(config.ThreatPatternsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load threat patterns: %w", err)
		}
	}

	timeout := config.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	anomaly := threat.NewAnomalyDetector()
	scorer := threat.NewScorer(store, anomaly, patterns, threat.ScorerConfig{
		BehaviorThreshold: config.BehaviorThreshold,
		BehaviorWindow:    config.BehaviorWindow,
		StoreTimeout:      timeout,
	}, logger)

	recorderOpts := events.Options{
		BufferSize:   config.EventBufferSize,
		WriteTimeout: config.EventWriteTimeout,
		Retention:    config.EventRetention,
	}
	if m != nil {
		recorderOpts.OnWriteError = func(error) { m.IncrementStoreErrors("event_write") }
	}

	s := &RateLimiterService{
		store:      store,
		logger:     logger,
		metrics:    m,
		identifier: fingerprint.NewIdentifier(),
		policies:   registry,
		access:     accesslist.NewManager(store, logger, timeout),
		scorer:     scorer,
		anomaly:    anomaly,
		adaptive:   adaptive.NewController(config.LearningRate),
		counter:    counter.NewWindowCounter(store, timeout),
		events:     events.NewRecorder(store, logger, recorderOpts),
		timeout:    timeout,
	}

	if m != nil {
		m.SetMultiplier(s.adaptive.Multiplier())
	}
	return s, nil
}

// LoadAccessLists semeia as listas de acesso com a configuração e sincroniza com o storage
func (s *RateLimiterService) LoadAccessLists(ctx context.Context, denyIPs, allowIPs []string) error {
	err := s.access.Load(ctx, denyIPs, allowIPs)
	s.observeListSizes()
	return err
}

// AccessLists expõe o gerenciador para o loop de sincronização
func (s *RateLimiterService) AccessLists() *accesslist.Manager {
	return s.access
}

// Anomaly expõe o detector para o janitor de históricos ociosos
func (s *RateLimiterService) Anomaly() *threat.AnomalyDetector {
	return s.anomaly
}

// Evaluate decide se a requisição deve ser aceita. Nunca retorna erro:
// falhas de storage e panics viram fail-open.
func (s *RateLimiterService) Evaluate(ctx context.Context, meta domain.ClientMeta, category domain.Category) (result *domain.EvaluationResult) {
	start := time.Now()
	requested := category
	if _, ok := policy.ParseCategory(string(category)); !ok {
		category = domain.CategoryDefault
	}

	var identity domain.Identity
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("evaluation panicked: %v", r)
			s.logger.Error("Limiter evaluation panicked, failing open", err, map[string]interface{}{
				"ip":       identity.IP,
				"category": category,
			})
			result = s.failOpen(ctx, identity, requested, category, s.policies.Lookup(category).MaxRequests, domain.ThreatAssessment{Risk: domain.RiskLow}, err)
		}
		s.finish(result, start)
	}()

	identity = s.identifier.Identify(meta)

	// START -> DENY_LISTED
	if s.access.IsDenied(identity.IP) {
		return s.denyListed(ctx, identity, requested, category)
	}
	if s.access.IsAllowed(identity.IP) {
		return &domain.EvaluationResult{
			Allowed:           true,
			Whitelisted:       true,
			Remaining:         -1,
			Limit:             -1,
			RiskLevel:         domain.RiskLow,
			Category:          category,
			RequestedCategory: requested,
			Outcome:           domain.OutcomeWhitelisted,
			StatusCode:        http.StatusOK,
			ClientIP:          identity.IP,
			Fingerprint:       identity.Fingerprint,
		}
	}

	// DENY_LISTED -> THREAT_SCORED
	assessment := s.scorer.Assess(ctx, identity, meta)
	if s.metrics != nil {
		s.metrics.ObserveThreat(assessment)
	}
	if assessment.Risk != domain.RiskLow {
		reason := ""
		if identity.Malformed {
			reason = domain.ErrMalformedRequestMetadata.Error()
		}
		s.events.Record(ctx, domain.Event{
			Kind:        domain.EventThreat,
			Type:        domain.EventTypeSuspicious,
			ClientIP:    identity.IP,
			Fingerprint: identity.Fingerprint,
			Category:    category,
			Decision:    "scored",
			RiskLevel:   assessment.Risk,
			ThreatScore: assessment.Score,
			Indicators:  assessment.Indicators,
			Reason:      reason,
		})
	}

	// O ajuste de risco vale só para esta avaliação
	riskFactor := 1.0
	switch assessment.Risk {
	case domain.RiskHigh:
		category = domain.CategoryAuth
	case domain.RiskMedium:
		riskFactor = 0.5
	}
	pol := s.policies.Lookup(category)
	limit := adaptive.EffectiveMax(pol.MaxRequests, s.adaptive.Multiplier(), riskFactor)

	// THREAT_SCORED -> WINDOW_CHECKED
	window, err := s.counter.Check(ctx, identity.Fingerprint, category, pol.Window, limit)
	if err != nil {
		return s.failOpen(ctx, identity, requested, category, limit, assessment, err)
	}

	// WINDOW_CHECKED -> DECIDED
	reset := resetSeconds(window.TTL, pol.Window)
	result = &domain.EvaluationResult{
		Allowed:           window.Allowed,
		Remaining:         window.Remaining,
		Limit:             limit,
		ResetTime:         &reset,
		RiskLevel:         assessment.Risk,
		ThreatScore:       assessment.Score,
		Indicators:        assessment.Indicators,
		Category:          category,
		RequestedCategory: requested,
		ClientIP:          identity.IP,
		Fingerprint:       identity.Fingerprint,
	}

	decision, reason := "allowed", ""
	if window.Allowed {
		result.Outcome = domain.OutcomeAllowed
		result.StatusCode = http.StatusOK
		s.adaptive.Update(assessment.ObservedRate, assessment.Risk == domain.RiskHigh)
		if s.metrics != nil {
			s.metrics.SetMultiplier(s.adaptive.Multiplier())
		}
	} else {
		decision, reason = "denied", domain.ErrQuotaExceeded.Error()
		result.Remaining = 0
		result.Outcome = domain.OutcomeQuotaExceeded
		result.StatusCode = http.StatusTooManyRequests
	}

	s.events.Record(ctx, domain.Event{
		Kind:        domain.EventRateLimit,
		ClientIP:    identity.IP,
		Fingerprint: identity.Fingerprint,
		Category:    category,
		Decision:    decision,
		RiskLevel:   assessment.Risk,
		ThreatScore: assessment.Score,
		Indicators:  assessment.Indicators,
		Reason:      reason,
	})
	return result
}

func (s *RateLimiterService) denyListed(ctx context.Context, identity domain.Identity, requested, category domain.Category) *domain.EvaluationResult {
	s.events.Record(ctx, domain.Event{
		Kind:        domain.EventThreat,
		Type:        domain.EventTypeBlacklistedIP,
		ClientIP:    identity.IP,
		Fingerprint: identity.Fingerprint,
		Category:    category,
		Decision:    "blocked",
		RiskLevel:   domain.RiskHigh,
		ThreatScore: 1.0,
		Reason:      domain.ErrDenyListed.Error(),
	})

	return &domain.EvaluationResult{
		Allowed:           false,
		Remaining:         0,
		Limit:             s.policies.Lookup(category).MaxRequests,
		RiskLevel:         domain.RiskHigh,
		ThreatScore:       1.0,
		Category:          category,
		RequestedCategory: requested,
		Outcome:           domain.OutcomeDenyListed,
		StatusCode:        http.StatusForbidden,
		ClientIP:          identity.IP,
		Fingerprint:       identity.Fingerprint,
	}
}

// failOpen libera a requisição quando o storage falha e registra um único evento de erro
func (s *RateLimiterService) failOpen(ctx context.Context, identity domain.Identity, requested, category domain.Category, limit int, assessment domain.ThreatAssessment, cause error) *domain.EvaluationResult {
	// Requisição abandonada pelo cliente não é falha de storage; prazo estourado é
	if !errors.Is(ctx.Err(), context.Canceled) {
		if s.metrics != nil {
			s.metrics.IncrementStoreErrors("check_window")
		}
		s.logger.Error("Shared store unavailable, failing open", cause, map[string]interface{}{
			"ip":       identity.IP,
			"category": category,
		})
		s.events.Record(ctx, domain.Event{
			Kind:        domain.EventError,
			Type:        domain.EventTypeStoreUnavailable,
			ClientIP:    identity.IP,
			Fingerprint: identity.Fingerprint,
			Category:    category,
			Decision:    "allowed",
			RiskLevel:   assessment.Risk,
			ThreatScore: assessment.Score,
			Reason:      cause.Error(),
		})
	}

	return &domain.EvaluationResult{
		Allowed:           true,
		Remaining:         limit,
		Limit:             limit,
		RiskLevel:         assessment.Risk,
		ThreatScore:       assessment.Score,
		Indicators:        assessment.Indicators,
		Category:          category,
		RequestedCategory: requested,
		Outcome:           domain.OutcomeStoreUnavailable,
		StatusCode:        http.StatusOK,
		ClientIP:          identity.IP,
		Fingerprint:       identity.Fingerprint,
	}
}

func (s *RateLimiterService) finish(result *domain.EvaluationResult, start time.Time) {
	if result == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDecision(result, time.Since(start))
	}
	if dl, ok := s.logger.(decisionLogger); ok {
		dl.LogDecision(result, map[string]interface{}{
			"requested_category": result.RequestedCategory,
			"threat_score":       result.ThreatScore,
		})
	}
}

// resetSeconds arredonda o TTL para cima; sem TTL usa a janela inteira
func resetSeconds(ttl, window time.Duration) int {
	if ttl <= 0 {
		ttl = window
	}
	seconds := int(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// AddDenyIP adiciona um IP à lista de bloqueio (idempotente)
func (s *RateLimiterService) AddDenyIP(ctx context.Context, ip, reason string) error {
	return s.changeList(ctx, "add", domain.DenyList, ip, func() error { return s.access.AddDeny(ctx, ip, reason) })
}

// RemoveDenyIP remove um IP da lista de bloqueio
func (s *RateLimiterService) RemoveDenyIP(ctx context.Context, ip string) error {
	return s.changeList(ctx, "remove", domain.DenyList, ip, func() error { return s.access.RemoveDeny(ctx, ip) })
}

// AddAllowIP adiciona um IP à lista de liberação (idempotente)
func (s *RateLimiterService) AddAllowIP(ctx context.Context, ip, reason string) error {
	return s.changeList(ctx, "add", domain.AllowList, ip, func() error { return s.access.AddAllow(ctx, ip, reason) })
}

// RemoveAllowIP remove um IP da lista de liberação
func (s *RateLimiterService) RemoveAllowIP(ctx context.Context, ip string) error {
	return s.changeList(ctx, "remove", domain.AllowList, ip, func() error { return s.access.RemoveAllow(ctx, ip) })
}

func (s *RateLimiterService) changeList(ctx context.Context, action string, list domain.ListType, ip string, apply func() error) error {
	fields := map[string]interface{}{
		"action": action,
		"list":   list,
		"ip":     ip,
	}

	if err := apply(); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) && s.metrics != nil {
			s.metrics.IncrementStoreErrors("access_list")
		}
		s.logger.WithContext(ctx).Error("Access list update failed", err, fields)
		return err
	}

	s.logger.WithContext(ctx).Info("Access list updated", fields)
	s.observeListSizes()
	return nil
}

func (s *RateLimiterService) observeListSizes() {
	if s.metrics == nil {
		return
	}
	deny, allow := s.access.Sizes()
	s.metrics.SetAccessListSizes(deny, allow)
}

// GetStats resume os eventos em memória e o tamanho das listas
func (s *RateLimiterService) GetStats(ctx context.Context) *domain.Stats {
	total, suspicious, high := s.events.Stats()
	deny, allow := s.access.Sizes()

	return &domain.Stats{
		TotalEvents:      total,
		SuspiciousEvents: suspicious,
		HighRiskEvents:   high,
		WhitelistSize:    allow,
		BlacklistSize:    deny,
	}
}

// GetSuspiciousActivityReport agrega as atividades suspeitas das últimas horas
func (s *RateLimiterService) GetSuspiciousActivityReport(ctx context.Context, hours int) *domain.SuspiciousActivityReport {
	return s.events.Report(ctx, hours)
}

// RecentEvents retorna os eventos mais recentes do buffer
func (s *RateLimiterService) RecentEvents(limit int) []domain.Event {
	return s.events.Recent(limit)
}

// AccessListEntries retorna as entradas de uma lista ordenadas por IP
func (s *RateLimiterService) AccessListEntries(list domain.ListType) []domain.AccessListEntry {
	return s.access.Entries(list)
}

// Policies retorna as políticas efetivas por categoria
func (s *RateLimiterService) Policies() []domain.RateLimitPolicy {
	return s.policies.All()
}

// ReloadPolicies troca as sobreposições de política; em erro nada muda
func (s *RateLimiterService) ReloadPolicies(overrides map[domain.Category]domain.RateLimitPolicy) error {
	if err := s.policies.Replace(overrides); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	s.logger.Info("Rate limit policies reloaded", map[string]interface{}{
		"overrides": len(overrides),
	})
	return nil
}

// ReloadPatterns troca a tabela de assinaturas do scorer
func (s *RateLimiterService) ReloadPatterns(set *threat.PatternSet) {
	if set == nil {
		return
	}
	s.scorer.SetPatterns(set)
	if s.metrics != nil {
		s.metrics.IncrementPatternReloads("ok")
	}
	url, headers := set.Categories()
	s.logger.Info("Threat patterns reloaded", map[string]interface{}{
		"version":           set.Version,
		"url_categories":    url,
		"header_categories": headers,
	})
}

// RejectPatterns contabiliza uma recarga de assinaturas recusada; a tabela atual continua
func (s *RateLimiterService) RejectPatterns(err error) {
	if s.metrics != nil {
		s.metrics.IncrementPatternReloads("rejected")
	}
	s.logger.Warn("Threat pattern reload rejected", map[string]interface{}{
		"error":   err.Error(),
		"version": s.PatternsVersion(),
	})
}

// Adaptive retorna o estado do controlador adaptativo
func (s *RateLimiterService) Adaptive() domain.AdaptiveSnapshot {
	return s.adaptive.Snapshot()
}

// PatternsVersion retorna a versão da tabela de assinaturas em uso
func (s *RateLimiterService) PatternsVersion() string {
	return s.scorer.Patterns().Version
}

// WindowUsage lê o contador de uma janela sem incrementá-lo
func (s *RateLimiterService) WindowUsage(ctx context.Context, fp string, category domain.Category) (*domain.WindowUsage, error) {
	pol, err := s.policies.Get(category)
	if err != nil {
		return nil, err
	}

	count, ttl, err := s.counter.Current(ctx, fp, category)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	return &domain.WindowUsage{
		Fingerprint:  fp,
		Category:     category,
		Count:        count,
		Limit:        adaptive.EffectiveMax(pol.MaxRequests, s.adaptive.Multiplier(), 1),
		ResetSeconds: int(math.Ceil(ttl.Seconds())),
	}, nil
}

type storeStatser interface {
	GetStats() map[string]interface{}
}

// StoreStats expõe as estatísticas do store quando a estratégia as oferece
func (s *RateLimiterService) StoreStats() map[string]interface{} {
	if st, ok := s.store.(storeStatser); ok {
		return st.GetStats()
	}
	return nil
}

// Health verifica o storage compartilhado
func (s *RateLimiterService) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}
