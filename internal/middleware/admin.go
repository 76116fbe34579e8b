package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"adaptive-limiter/internal/domain"
)

// AdminTokenHeader carrega o token das rotas administrativas
const AdminTokenHeader = "X-Admin-Token"

// RequireAdminToken barra requisições sem o token de administração.
// Token vazio desliga as rotas administrativas: toda requisição recebe 401.
func RequireAdminToken(expectedToken string, logger domain.Logger) gin.HandlerFunc {
	expected := []byte(expectedToken)

	return func(c *gin.Context) {
		token := []byte(c.GetHeader(AdminTokenHeader))
		if len(expected) > 0 && subtle.ConstantTimeCompare(token, expected) == 1 {
			c.Next()
			return
		}

		logger.WithContext(c.Request.Context()).Warn("Admin token mismatch", map[string]interface{}{
			"path":          c.Request.URL.Path,
			"method":        c.Request.Method,
			"token_present": len(token) > 0,
		})
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "admin token required",
		})
	}
}
