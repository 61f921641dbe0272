package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/gin-gonic/gin"
)

type authString string

// AuthMiddleware accepts a portal JWT in "Authorization: Bearer <jwt>".
// Requests without the header pass through unauthorized; an invalid token is rejected.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		if auth == "" || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			c.Next()
			return
		}
		auth = strings.TrimSpace(auth[len("Bearer "):])

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := context.WithValue(c.Request.Context(), authString("auth"), customClaim)
		ctx = utils.SetAuthorizedInContext(ctx, true)
		if customClaim != nil {
			ctx = utils.SetUserIdInContext(ctx, customClaim.ID)
			if customClaim.Username != "" {
				ctx = utils.SetUsernameInContext(ctx, customClaim.Username)
			}
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

// RequireAuthorized stops requests that no auth middleware accepted.
func RequireAuthorized() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAuthorized(c.Request.Context()) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
