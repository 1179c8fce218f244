package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func middlewareSetup(t *testing.T) (*fakeSource, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	src := &fakeSource{accounts: map[string]*model.Account{}}
	cache := NewCache(rdb, src, time.Hour, zap.NewNop())

	r := gin.New()
	r.GET("/test", Middleware(cache), func(c *gin.Context) {
		acct := CurrentAccount(c)
		c.JSON(http.StatusOK, gin.H{"account_id": acct.ID})
	})
	return src, r
}

func TestMiddleware_ValidKey(t *testing.T) {
	src, r := middlewareSetup(t)
	acct := &model.Account{ID: uuid.New(), APIKey: "good-key"}
	src.accounts["good-key"] = acct

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-API-Key", "good-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMiddleware_MissingKey(t *testing.T) {
	_, r := middlewareSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_UnknownKey(t *testing.T) {
	_, r := middlewareSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-API-Key", "who-dis")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCurrentAccount_NotSet(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if acct := CurrentAccount(c); acct != nil {
		t.Fatalf("expected nil, got %+v", acct)
	}
}
