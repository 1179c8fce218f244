package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/txtgate/sms-gateway/internal/model"
)

const accountContextKey = "account"

// Middleware returns a Gin handler that resolves X-API-Key through the
// cache and stores the account snapshot on the request context.
func Middleware(cache *Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		acct, err := cache.Lookup(c.Request.Context(), apiKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if acct == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set(accountContextKey, acct)
		c.Next()
	}
}

// CurrentAccount returns the snapshot placed by Middleware, or nil when the
// route is not behind it.
func CurrentAccount(c *gin.Context) *model.Account {
	v, ok := c.Get(accountContextKey)
	if !ok {
		return nil
	}
	acct, _ := v.(*model.Account)
	return acct
}
