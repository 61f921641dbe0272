package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves a portal session from the "token" header through Redis.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" || utils.IsAuthorized(c.Request.Context()) {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		ctx = utils.SetAuthorizedInContext(ctx, true)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
