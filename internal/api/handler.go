package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/auth"
	"github.com/txtgate/sms-gateway/internal/model"
	"github.com/txtgate/sms-gateway/internal/store"
)

// AccountStore is the account persistence the handlers need.
// Decoupled here so handler tests can use fakes.
type AccountStore interface {
	CreateAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
	AccountByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	Charge(ctx context.Context, id uuid.UUID, amount int64) (*model.Account, error)
}

// MessageStore is the message persistence plus the admission transaction.
type MessageStore interface {
	AdmitMessage(ctx context.Context, accountID uuid.UUID, phone, text string, kind model.Kind) (*model.Message, error)
	MessageByID(ctx context.Context, id uuid.UUID) (*model.Message, error)
	ListMessages(ctx context.Context, accountID uuid.UUID, f store.ListFilter) ([]model.Message, int64, error)
}

// Handler wires up all gateway routes onto a Gin router group.
type Handler struct {
	accounts AccountStore
	messages MessageStore
	log      *zap.Logger
}

func NewHandler(accounts AccountStore, messages MessageStore, log *zap.Logger) *Handler {
	return &Handler{accounts: accounts, messages: messages, log: log}
}

// Register mounts all routes. Account creation is the only unauthenticated
// endpoint; everything else sits behind the API-key middleware.
func (h *Handler) Register(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	accounts := rg.Group("/accounts")
	accounts.POST("", h.handleCreateAccount)
	accounts.GET("/balance", authMW, h.handleBalance)
	accounts.POST("/charge", authMW, h.handleCharge)

	sms := rg.Group("/sms", authMW)
	sms.POST("/send", h.handleSend)
	sms.GET("", h.handleList)
	sms.GET("/:id", h.handleGet)
}

// ── Accounts ────────────────────────────────────────────────────────────────

type createAccountRequest struct {
	AccountID uuid.UUID `json:"account_id"`
}

func (h *Handler) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccountID == uuid.Nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "account_id must be a valid UUID"})
		return
	}

	acct, err := h.accounts.CreateAccount(c.Request.Context(), req.AccountID)
	switch {
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
	case errors.Is(err, store.ErrKeyGenExhausted):
		h.log.Error("API key generation exhausted", zap.String("account", req.AccountID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate unique API key"})
	case err != nil:
		h.log.Error("create account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusCreated, acct)
	}
}

// handleBalance reads the balance fresh from the store: the cached snapshot
// used for authentication may be stale.
func (h *Handler) handleBalance(c *gin.Context) {
	acct := auth.CurrentAccount(c)

	fresh, err := h.accounts.AccountByID(c.Request.Context(), acct.ID)
	if err != nil {
		h.log.Error("balance lookup", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if fresh == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": fresh.Balance})
}

type chargeRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) handleCharge(c *gin.Context) {
	acct := auth.CurrentAccount(c)

	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount must be a positive integer"})
		return
	}

	updated, err := h.accounts.Charge(c.Request.Context(), acct.ID, req.Amount)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case err != nil:
		h.log.Error("charge account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"balance": updated.Balance})
	}
}

// ── SMS ─────────────────────────────────────────────────────────────────────

func (h *Handler) handleSend(c *gin.Context) {
	acct := auth.CurrentAccount(c)

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid request body"})
		return
	}
	if ferr := req.Validate(); ferr != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ferr.Detail, "field": ferr.Field})
		return
	}

	msg, err := h.messages.AdmitMessage(c.Request.Context(), acct.ID, req.PhoneNumber, req.Message, req.SMSType)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
	case err != nil:
		h.log.Error("admit message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusCreated, msg)
	}
}

func (h *Handler) handleList(c *gin.Context) {
	acct := auth.CurrentAccount(c)

	f, ferr := parseListFilter(c)
	if ferr != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ferr.Detail, "field": ferr.Field})
		return
	}

	items, total, err := h.messages.ListMessages(c.Request.Context(), acct.ID, f)
	if err != nil {
		h.log.Error("list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

func (h *Handler) handleGet(c *gin.Context) {
	acct := auth.CurrentAccount(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "SMS not found"})
		return
	}

	msg, err := h.messages.MessageByID(c.Request.Context(), id)
	if err != nil {
		h.log.Error("get message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "SMS not found"})
		return
	}
	if msg.AccountID != acct.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ── Query parsing ───────────────────────────────────────────────────────────

func parseListFilter(c *gin.Context) (store.ListFilter, *FieldError) {
	f := store.ListFilter{Page: 1, PageSize: 50}

	if raw := c.Query("status"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 3 {
			return f, &FieldError{Field: "status", Detail: "must be 1 (pending), 2 (sent) or 3 (failed)"}
		}
		st := model.Status(n)
		f.Status = &st
	}
	if raw := c.Query("sms_type"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !model.Kind(n).Valid() {
			return f, &FieldError{Field: "sms_type", Detail: "must be 1 (regular) or 2 (express)"}
		}
		k := model.Kind(n)
		f.Kind = &k
	}
	if raw := c.Query("start_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, &FieldError{Field: "start_date", Detail: "must be RFC 3339"}
		}
		f.StartDate = &t
	}
	if raw := c.Query("end_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, &FieldError{Field: "end_date", Detail: "must be RFC 3339"}
		}
		f.EndDate = &t
	}
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, &FieldError{Field: "page", Detail: "must be >= 1"}
		}
		f.Page = n
	}
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return f, &FieldError{Field: "page_size", Detail: "must be between 1 and 100"}
		}
		f.PageSize = n
	}
	return f, nil
}
