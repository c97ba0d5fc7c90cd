package authorization

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard 封装 JWT 中间件以提供授权辅助方法。
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuard 根据给定的 JWT 中间件构建守卫辅助。
func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// Guard 返回模块内部复用的守卫实例。
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// RequireAuthenticated 确保请求携带有效的 JWT。
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole 要求请求至少具备指定角色之一，空角色列表直接放行。
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	required := make(map[string]struct{}, len(roles))
	labels := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		required[strings.ToLower(trimmed)] = struct{}{}
		labels = append(labels, trimmed)
	}

	if len(required) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		for _, role := range extractRoles(claims) {
			if _, ok := required[strings.ToLower(strings.TrimSpace(role))]; ok {
				c.Next()
				return
			}
		}

		message := fmt.Sprintf("%s role required", labels[0])
		if len(labels) > 1 {
			message = fmt.Sprintf("one of [%s] roles required", strings.Join(labels, ", "))
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
	}
}

// RequireRole 限定请求必须拥有给定角色。
func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	return g.RequireAnyRole(role)
}
