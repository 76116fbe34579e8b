package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/fingerprint"
	"adaptive-limiter/internal/logger"
)

// ResultKey guarda a decisão do limiter no contexto do gin
const ResultKey = "rate_limit_result"

// Evaluator é a parte da fachada usada pelo middleware
type Evaluator interface {
	Evaluate(ctx context.Context, meta domain.ClientMeta, category domain.Category) *domain.EvaluationResult
}

// RateLimiterMiddleware aplica o limiter adaptativo às rotas protegidas
type RateLimiterMiddleware struct {
	evaluator Evaluator
	logger    domain.Logger
	timeout   time.Duration
}

// NewRateLimiterMiddleware cria uma nova instância do middleware
func NewRateLimiterMiddleware(evaluator Evaluator, logger domain.Logger, timeout time.Duration) *RateLimiterMiddleware {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RateLimiterMiddleware{
		evaluator: evaluator,
		logger:    logger,
		timeout:   timeout,
	}
}

// For retorna o handler que avalia as requisições sob a categoria informada
func (m *RateLimiterMiddleware) For(category domain.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.handle(c, category)
	}
}

func (m *RateLimiterMiddleware) handle(c *gin.Context, category domain.Category) {
	requestID := m.getRequestID(c)
	meta := ClientMeta(c)
	clientIP, _ := fingerprint.ClientIP(meta)

	// Contexto enriquecido segue para os handlers; o timeout vale só para a avaliação
	reqCtx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, clientIP, "", c.GetHeader("User-Agent"))
	c.Request = c.Request.WithContext(reqCtx)

	ctx, cancel := context.WithTimeout(reqCtx, m.timeout)
	defer cancel()

	log := m.logger.WithContext(ctx)
	log.Debug("Rate limiter middleware initiated", map[string]interface{}{
		"client_ip": clientIP,
		"method":    meta.Method,
		"path":      meta.Path,
		"category":  category,
	})

	result := m.evaluator.Evaluate(ctx, meta, category)
	c.Set(ResultKey, result)
	m.setRateLimitHeaders(c, result)

	switch result.Outcome {
	case domain.OutcomeDenyListed:
		log.Info("Request from deny-listed address", map[string]interface{}{
			"client_ip": clientIP,
			"category":  result.Category,
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "access from this address is not allowed",
		})
		return

	case domain.OutcomeQuotaExceeded:
		log.Info("Request rate limited", map[string]interface{}{
			"client_ip":  clientIP,
			"category":   result.Category,
			"limit":      result.Limit,
			"risk_level": result.RiskLevel,
		})
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "you have reached the maximum number of requests or actions allowed within a certain time frame",
			"details": gin.H{
				"limit":       result.Limit,
				"remaining":   result.Remaining,
				"reset_time":  result.ResetTime,
				"category":    result.Category,
				"risk_level":  result.RiskLevel,
				"retry_after": retryAfter(result),
			},
		})
		return

	case domain.OutcomeStoreUnavailable:
		c.Header("X-RateLimit-Status", "degraded")
	}

	c.Next()
}

// ClientMeta extrai os metadados usados pelo limiter
func ClientMeta(c *gin.Context) domain.ClientMeta {
	return domain.ClientMeta{
		RemoteAddr: c.Request.RemoteAddr,
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		RawQuery:   c.Request.URL.RawQuery,
		Headers:    c.Request.Header,
	}
}

// ResultFrom recupera a decisão gravada pelo middleware
func ResultFrom(c *gin.Context) (*domain.EvaluationResult, bool) {
	value, exists := c.Get(ResultKey)
	if !exists {
		return nil, false
	}
	result, ok := value.(*domain.EvaluationResult)
	return result, ok
}

// setRateLimitHeaders define headers informativos de rate limiting
func (m *RateLimiterMiddleware) setRateLimitHeaders(c *gin.Context, result *domain.EvaluationResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Category", string(result.Category))
	c.Header("X-Risk-Level", string(result.RiskLevel))

	// Sem janela (deny list, allow list, fail-open) o reset sai como 0
	reset := 0
	if result.ResetTime != nil {
		reset = *result.ResetTime
	}
	c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

	if result.Outcome == domain.OutcomeQuotaExceeded {
		c.Header("Retry-After", strconv.Itoa(retryAfter(result)))
	}
}

func retryAfter(result *domain.EvaluationResult) int {
	if result.ResetTime == nil || *result.ResetTime < 1 {
		return 1
	}
	return *result.ResetTime
}

// getRequestID obtém ou gera um Request ID para tracking
func (m *RateLimiterMiddleware) getRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
