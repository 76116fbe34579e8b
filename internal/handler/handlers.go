package handler

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/middleware"
	"adaptive-limiter/internal/policy"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
	maxReportHours     = 24 * 7
)

// Handlers contém os handlers da API
type Handlers struct {
	service   domain.RateLimiterService
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(service domain.RateLimiterService, logger domain.Logger) *Handlers {
	return &Handlers{
		service:   service,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetupRoutes configura as rotas da API. adminAuth guarda /admin; metrics pode ser nil.
func (h *Handlers) SetupRoutes(router *gin.Engine, limiter *middleware.RateLimiterMiddleware, adminAuth gin.HandlerFunc, metrics http.Handler) {
	// Rotas públicas (sem rate limiting)
	router.GET("/health", h.HealthHandler)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	// Rotas de demonstração, uma por categoria
	router.GET("/", limiter.For(domain.CategoryDefault), h.ExampleHandler)
	router.POST("/auth/login", limiter.For(domain.CategoryAuth), h.ExampleHandler)
	router.GET("/api/v1/resource", limiter.For(domain.CategoryAPI), h.ExampleHandler)
	router.POST("/upload", limiter.For(domain.CategoryUpload), h.ExampleHandler)
	router.GET("/download/:id", limiter.For(domain.CategoryDownload), h.ExampleHandler)
	router.GET("/search", limiter.For(domain.CategorySearch), h.ExampleHandler)
	router.GET("/report", limiter.For(domain.CategoryReport), h.ExampleHandler)

	// Rotas administrativas: a cota admin vem antes do token para limitar tentativas
	admin := router.Group("/admin")
	admin.Use(limiter.For(domain.CategoryAdmin), adminAuth)
	{
		admin.GET("/denylist", h.ListEntriesHandler(domain.DenyList))
		admin.POST("/denylist", h.AddIPHandler(domain.DenyList))
		admin.DELETE("/denylist/:ip", h.RemoveIPHandler(domain.DenyList))
		admin.GET("/allowlist", h.ListEntriesHandler(domain.AllowList))
		admin.POST("/allowlist", h.AddIPHandler(domain.AllowList))
		admin.DELETE("/allowlist/:ip", h.RemoveIPHandler(domain.AllowList))
		admin.GET("/stats", h.StatsHandler)
		admin.GET("/report", h.ReportHandler)
		admin.GET("/events", h.EventsHandler)
		admin.GET("/policies", h.PoliciesHandler)
		admin.GET("/runtime", h.RuntimeHandler)
		admin.GET("/usage", h.UsageHandler)
	}
}

// HealthHandler verifica o storage compartilhado
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   "Adaptive Rate Limiter",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"store":     "ok",
	}

	if err := h.service.Health(c.Request.Context()); err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("Health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		response["status"] = "degraded"
		response["store"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// ExampleHandler responde nas rotas protegidas com a decisão do limiter
func (h *Handlers) ExampleHandler(c *gin.Context) {
	response := gin.H{
		"message":   "Hello from Adaptive Rate Limiter!",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
	}

	if result, ok := middleware.ResultFrom(c); ok {
		response["category"] = result.Category
		response["risk_level"] = result.RiskLevel
		response["remaining"] = result.Remaining
		response["whitelisted"] = result.Whitelisted
	}

	c.JSON(http.StatusOK, response)
}

// AccessListRequest representa o corpo das inclusões em listas de acesso
type AccessListRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

// AddIPHandler inclui um IP na lista informada
func (h *Handlers) AddIPHandler(list domain.ListType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AccessListRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Invalid request body: " + err.Error(),
			})
			return
		}

		ctx := c.Request.Context()
		var err error
		if list == domain.DenyList {
			err = h.service.AddDenyIP(ctx, req.IP, req.Reason)
		} else {
			err = h.service.AddAllowIP(ctx, req.IP, req.Reason)
		}
		if err != nil {
			h.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "success",
			"list":      list,
			"ip":        strings.TrimSpace(req.IP),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// RemoveIPHandler remove um IP da lista informada
func (h *Handlers) RemoveIPHandler(list domain.ListType) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.Param("ip")
		ctx := c.Request.Context()

		var err error
		if list == domain.DenyList {
			err = h.service.RemoveDenyIP(ctx, ip)
		} else {
			err = h.service.RemoveAllowIP(ctx, ip)
		}
		if err != nil {
			h.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "success",
			"list":      list,
			"ip":        ip,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ListEntriesHandler lista as entradas de uma lista de acesso
func (h *Handlers) ListEntriesHandler(list domain.ListType) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := h.service.AccessListEntries(list)
		c.JSON(http.StatusOK, gin.H{
			"list":    list,
			"count":   len(entries),
			"entries": entries,
		})
	}
}

// StatsHandler expõe o resumo de eventos e o tamanho das listas
func (h *Handlers) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetStats(c.Request.Context()))
}

// ReportHandler expõe o relatório de atividades suspeitas
func (h *Handlers) ReportHandler(c *gin.Context) {
	hours, ok := h.intQuery(c, "hours", 24, 1, maxReportHours)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.service.GetSuspiciousActivityReport(c.Request.Context(), hours))
}

// EventsHandler lista os eventos mais recentes
func (h *Handlers) EventsHandler(c *gin.Context) {
	limit, ok := h.intQuery(c, "limit", defaultEventsLimit, 1, maxEventsLimit)
	if !ok {
		return
	}

	events := h.service.RecentEvents(limit)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}

// PoliciesHandler lista as políticas efetivas
func (h *Handlers) PoliciesHandler(c *gin.Context) {
	policies := h.service.Policies()
	out := make([]gin.H, 0, len(policies))
	for _, p := range policies {
		out = append(out, gin.H{
			"category":       p.Category,
			"max_requests":   p.MaxRequests,
			"window_seconds": p.WindowSeconds(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"policies":   out,
		"multiplier": h.service.Adaptive().Multiplier,
	})
}

// RuntimeHandler expõe o estado do processo e do controlador adaptativo
func (h *Handlers) RuntimeHandler(c *gin.Context) {
	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"service":          "Adaptive Rate Limiter",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"uptime":           uptime.String(),
		"uptime_seconds":   int64(uptime.Seconds()),
		"adaptive":         h.service.Adaptive(),
		"patterns_version": h.service.PatternsVersion(),
		"store":            h.service.StoreStats(),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_total": formatBytes(m.TotalAlloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	})
}

// UsageHandler mostra o contador de um fingerprint em uma categoria
func (h *Handlers) UsageHandler(c *gin.Context) {
	fp := strings.TrimSpace(c.Query("fingerprint"))
	if fp == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "fingerprint is required",
		})
		return
	}

	category, ok := policy.ParseCategory(c.DefaultQuery("category", string(domain.CategoryDefault)))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "category must be one of " + strings.Join(policy.Names(), ", "),
		})
		return
	}

	usage, err := h.service.WindowUsage(c.Request.Context(), fp, category)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// intQuery lê um parâmetro inteiro opcional dentro de [min, max]
func (h *Handlers) intQuery(c *gin.Context, name string, fallback, min, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": name + " must be an integer between " + strconv.Itoa(min) + " and " + strconv.Itoa(max),
		})
		return 0, false
	}
	return value, true
}

// writeError traduz erros do serviço em respostas HTTP
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIP), errors.Is(err, domain.ErrPolicyNotFound):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, domain.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "shared store is unavailable, try again later",
		})
	default:
		h.logger.WithContext(c.Request.Context()).Error("Admin operation failed", err, map[string]interface{}{
			"path": c.Request.URL.Path,
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to process admin request",
		})
	}
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
