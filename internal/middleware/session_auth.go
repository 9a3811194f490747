package middleware

import (
	"net/http"
	"quimicai-go/pkg/token"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextSessionID 是 gin.Context 中保存会话 ID 的键。
const ContextSessionID = "sessionID"

// SessionAuth 创建一个 Gin 中间件，从 Authorization 头中提取并验证会话 token。
func SessionAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "missing authorization header", "data": nil})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid authorization header", "data": nil})
			return
		}

		claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid or expired session token", "data": nil})
			return
		}

		c.Set(ContextSessionID, claims.SessionID)
		c.Set("claims", claims)
		c.Next()
	}
}
