package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/handler"
	"adaptive-limiter/internal/logger"
	"adaptive-limiter/internal/metrics"
	"adaptive-limiter/internal/middleware"
	"adaptive-limiter/internal/service"
	"adaptive-limiter/internal/storage"
)

const adminToken = "e2e-admin-token"

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// switchableStore simula a queda do storage compartilhado
type switchableStore struct {
	*storage.MemoryStorage
	down atomic.Bool
}

func (s *switchableStore) CheckWindow(ctx context.Context, key string, max int, window time.Duration) (*domain.WindowResult, error) {
	if s.down.Load() {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStorage.CheckWindow(ctx, key, max, window)
}

// E2ETestSuite contém os componentes necessários para os testes E2E
type E2ETestSuite struct {
	server  *httptest.Server
	store   *switchableStore
	service *service.RateLimiterService
	client  *http.Client
}

// setupE2ETest configura um ambiente completo para testes E2E
func setupE2ETest(t *testing.T, config *domain.LimiterConfig) *E2ETestSuite {
	t.Helper()
	gin.SetMode(gin.TestMode)

	appLogger := logger.NopLogger{}
	store := &switchableStore{MemoryStorage: storage.NewMemoryStorage(appLogger)}

	registry := prometheus.NewRegistry()
	svc, err := service.NewRateLimiterService(store, config, appLogger, metrics.New(registry))
	require.NoError(t, err)

	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewHandlers(svc, appLogger).SetupRoutes(
		router,
		middleware.NewRateLimiterMiddleware(svc, appLogger, time.Second),
		middleware.RequireAdminToken(adminToken, appLogger),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	suite := &E2ETestSuite{
		server:  httptest.NewServer(router),
		store:   store,
		service: svc,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	t.Cleanup(func() {
		suite.server.Close()
		_ = store.Close()
	})
	return suite
}

// do envia a requisição simulando o IP de origem via X-Forwarded-For
func (suite *E2ETestSuite) do(t *testing.T, method, path, ip, userAgent string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, suite.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/json")
	req.Header.Set("Accept-Language", "pt-BR")
	if strings.HasPrefix(path, "/admin") {
		req.Header.Set(middleware.AdminTokenHeader, adminToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := suite.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// TestE2E_BasicFunctionality testa health e métricas
func TestE2E_BasicFunctionality(t *testing.T) {
	suite := setupE2ETest(t, nil)

	t.Run("Health endpoint should be accessible", func(t *testing.T) {
		resp := suite.do(t, http.MethodGet, "/health", "198.51.100.1", chromeUA, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode(t, resp)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "Adaptive Rate Limiter", body["service"])
	})

	t.Run("Metrics endpoint should expose decisions", func(t *testing.T) {
		suite.do(t, http.MethodGet, "/", "198.51.100.1", chromeUA, nil)

		resp := suite.do(t, http.MethodGet, "/metrics", "198.51.100.1", chromeUA, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), `adaptive_limiter_decisions_total{category="default",outcome="allowed"} 1`)
	})
}

// TestE2E_AuthBruteForce testa a cota de login
func TestE2E_AuthBruteForce(t *testing.T) {
	suite := setupE2ETest(t, nil)
	ip := "203.0.113.20"

	for i := 1; i <= 10; i++ {
		resp := suite.do(t, http.MethodPost, "/auth/login", ip, chromeUA, []byte(`{"user":"ana"}`))
		require.Equal(t, http.StatusOK, resp.StatusCode, "attempt %d", i)
		assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	}

	resp := suite.do(t, http.MethodPost, "/auth/login", ip, chromeUA, []byte(`{"user":"ana"}`))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	body := decode(t, resp)
	assert.Equal(t, "rate_limit_exceeded", body["error"])

	// outro cliente não é afetado
	other := suite.do(t, http.MethodPost, "/auth/login", "203.0.113.21", chromeUA, []byte(`{"user":"bia"}`))
	assert.Equal(t, http.StatusOK, other.StatusCode)

	stats := suite.service.GetStats(context.Background())
	assert.Equal(t, 12, stats.TotalEvents)
}

// TestE2E_DenyAndAllowLists testa a administração das listas de acesso
func TestE2E_DenyAndAllowLists(t *testing.T) {
	suite := setupE2ETest(t, &domain.LimiterConfig{
		Policies: map[domain.Category]domain.RateLimitPolicy{
			domain.CategorySearch: {Category: domain.CategorySearch, MaxRequests: 1, Window: time.Minute},
		},
	})
	admin := "192.0.2.1"

	t.Run("admin without token is rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, suite.server.URL+"/admin/allowlist", strings.NewReader(`{"ip":"192.0.2.66"}`))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", "192.0.2.66")
		req.Header.Set("User-Agent", chromeUA)
		req.Header.Set("Content-Type", "application/json")
		resp, err := suite.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", decode(t, resp)["error"])
		assert.Empty(t, suite.service.AccessListEntries(domain.AllowList))
	})

	t.Run("deny list blocks before quota", func(t *testing.T) {
		resp := suite.do(t, http.MethodPost, "/admin/denylist", admin, chromeUA, []byte(`{"ip":"192.0.2.50","reason":"scraper"}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = suite.do(t, http.MethodGet, "/search?q=shoes", "192.0.2.50", chromeUA, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "HIGH", resp.Header.Get("X-Risk-Level"))
	})

	t.Run("allow list bypasses quota", func(t *testing.T) {
		resp := suite.do(t, http.MethodPost, "/admin/allowlist", admin, chromeUA, []byte(`{"ip":"192.0.2.60"}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		for i := 0; i < 3; i++ {
			resp = suite.do(t, http.MethodGet, "/search?q=shoes", "192.0.2.60", chromeUA, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "-1", resp.Header.Get("X-RateLimit-Remaining"))
		}
	})

	t.Run("invalid ip is rejected", func(t *testing.T) {
		resp := suite.do(t, http.MethodPost, "/admin/denylist", admin, chromeUA, []byte(`{"ip":"not-an-ip"}`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("entries are listed", func(t *testing.T) {
		resp := suite.do(t, http.MethodGet, "/admin/denylist", admin, chromeUA, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, float64(1), body["count"])
	})
}

// TestE2E_AttackToolEscalatesToAuth testa a escalada de ameaças
func TestE2E_AttackToolEscalatesToAuth(t *testing.T) {
	suite := setupE2ETest(t, nil)
	ip := "203.0.113.99"

	resp := suite.do(t, http.MethodGet, "/api/v1/resource?id=1%27%20UNION%20SELECT%20password%20FROM%20users--", ip, "sqlmap/1.7.2#stable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIGH", resp.Header.Get("X-Risk-Level"))
	assert.Equal(t, "auth", resp.Header.Get("X-RateLimit-Category"))
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))

	report := suite.service.GetSuspiciousActivityReport(context.Background(), 1)
	assert.Equal(t, 1, report.RiskDistribution[domain.RiskHigh])
	require.NotEmpty(t, report.TopIPs)
	assert.Equal(t, ip, report.TopIPs[0].IP)

	assert.Greater(t, suite.service.Adaptive().Multiplier, 1.0)
}

// TestE2E_StoreOutageFailsOpen testa a degradação quando o storage cai
func TestE2E_StoreOutageFailsOpen(t *testing.T) {
	suite := setupE2ETest(t, &domain.LimiterConfig{
		Policies: map[domain.Category]domain.RateLimitPolicy{
			domain.CategoryUpload: {Category: domain.CategoryUpload, MaxRequests: 1, Window: time.Minute},
		},
	})
	ip := "198.51.100.77"

	suite.store.down.Store(true)
	for i := 0; i < 3; i++ {
		resp := suite.do(t, http.MethodPost, "/upload", ip, chromeUA, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "degraded", resp.Header.Get("X-RateLimit-Status"))
	}

	suite.store.down.Store(false)
	resp := suite.do(t, http.MethodPost, "/upload", ip, chromeUA, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-RateLimit-Status"))

	resp = suite.do(t, http.MethodPost, "/upload", ip, chromeUA, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
