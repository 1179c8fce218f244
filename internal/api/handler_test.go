package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
	"github.com/txtgate/sms-gateway/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ── Fakes ───────────────────────────────────────────────────────────────────

type fakeAccounts struct {
	accounts  map[uuid.UUID]*model.Account
	createErr error
}

func (f *fakeAccounts) CreateAccount(_ context.Context, id uuid.UUID) (*model.Account, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.accounts[id]; ok {
		return nil, store.ErrConflict
	}
	acct := &model.Account{ID: id, APIKey: "key-" + id.String(), CreatedAt: time.Now().UTC()}
	f.accounts[id] = acct
	return acct, nil
}

func (f *fakeAccounts) AccountByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	return f.accounts[id], nil
}

func (f *fakeAccounts) Charge(_ context.Context, id uuid.UUID, amount int64) (*model.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	acct.Balance += amount
	return acct, nil
}

type fakeMessages struct {
	messages map[uuid.UUID]*model.Message
	balance  map[uuid.UUID]int64
}

func (f *fakeMessages) AdmitMessage(_ context.Context, accountID uuid.UUID, phone, text string, kind model.Kind) (*model.Message, error) {
	if f.balance[accountID] < 1 {
		return nil, store.ErrInsufficientBalance
	}
	f.balance[accountID]--
	msg := &model.Message{
		ID:          uuid.New(),
		AccountID:   accountID,
		PhoneNumber: phone,
		Message:     text,
		Kind:        kind,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	f.messages[msg.ID] = msg
	return msg, nil
}

func (f *fakeMessages) MessageByID(_ context.Context, id uuid.UUID) (*model.Message, error) {
	return f.messages[id], nil
}

func (f *fakeMessages) ListMessages(_ context.Context, accountID uuid.UUID, fl store.ListFilter) ([]model.Message, int64, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.AccountID != accountID {
			continue
		}
		if fl.Status != nil && m.Status != *fl.Status {
			continue
		}
		out = append(out, *m)
	}
	return out, int64(len(out)), nil
}

// testSetup builds a router with fake stores and a stub auth middleware that
// injects acct the way the real one does.
func testSetup(t *testing.T, acct *model.Account) (*gin.Engine, *fakeAccounts, *fakeMessages) {
	t.Helper()

	fa := &fakeAccounts{accounts: map[uuid.UUID]*model.Account{}}
	fm := &fakeMessages{messages: map[uuid.UUID]*model.Message{}, balance: map[uuid.UUID]int64{}}
	if acct != nil {
		fa.accounts[acct.ID] = acct
		fm.balance[acct.ID] = acct.Balance
	}

	authMW := func(c *gin.Context) {
		if acct == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Set("account", acct)
		c.Next()
	}

	r := gin.New()
	h := NewHandler(fa, fm, zap.NewNop())
	h.Register(r.Group("/api/v1"), authMW)
	return r, fa, fm
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ── Accounts ────────────────────────────────────────────────────────────────

func TestCreateAccount(t *testing.T) {
	r, _, _ := testSetup(t, nil)

	id := uuid.New()
	w := doJSON(t, r, http.MethodPost, "/api/v1/accounts", gin.H{"account_id": id})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var acct model.Account
	if err := json.Unmarshal(w.Body.Bytes(), &acct); err != nil {
		t.Fatal(err)
	}
	if acct.ID != id || acct.APIKey == "" {
		t.Fatalf("unexpected account: %+v", acct)
	}

	// same id again conflicts
	w = doJSON(t, r, http.MethodPost, "/api/v1/accounts", gin.H{"account_id": id})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCreateAccount_BadID(t *testing.T) {
	r, _, _ := testSetup(t, nil)

	for _, body := range []any{gin.H{"account_id": "not-a-uuid"}, gin.H{}} {
		w := doJSON(t, r, http.MethodPost, "/api/v1/accounts", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", w.Code)
		}
	}
}

func TestBalanceAndCharge(t *testing.T) {
	acct := &model.Account{ID: uuid.New(), Balance: 5}
	r, _, _ := testSetup(t, acct)

	w := doJSON(t, r, http.MethodGet, "/api/v1/accounts/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int64
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["balance"] != 5 {
		t.Fatalf("expected balance 5, got %d", resp["balance"])
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/accounts/charge", gin.H{"amount": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["balance"] != 15 {
		t.Fatalf("expected balance 15, got %d", resp["balance"])
	}
}

func TestCharge_NonPositive(t *testing.T) {
	acct := &model.Account{ID: uuid.New()}
	r, _, _ := testSetup(t, acct)

	for _, amount := range []int64{0, -5} {
		w := doJSON(t, r, http.MethodPost, "/api/v1/accounts/charge", gin.H{"amount": amount})
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("amount %d: expected 422, got %d", amount, w.Code)
		}
	}
}

// ── SMS ─────────────────────────────────────────────────────────────────────

func TestSend(t *testing.T) {
	acct := &model.Account{ID: uuid.New(), Balance: 2}
	r, _, fm := testSetup(t, acct)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sms/send", gin.H{
		"phone_number": "31612345678",
		"message":      "hello",
		"sms_type":     2,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var msg model.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Status != model.StatusPending || msg.Kind != model.KindExpress {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if fm.balance[acct.ID] != 1 {
		t.Fatalf("expected one unit debited, balance %d", fm.balance[acct.ID])
	}
}

func TestSend_InsufficientBalance(t *testing.T) {
	acct := &model.Account{ID: uuid.New(), Balance: 0}
	r, _, _ := testSetup(t, acct)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sms/send", gin.H{
		"phone_number": "31612345678",
		"message":      "hello",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSend_ValidationFailure(t *testing.T) {
	acct := &model.Account{ID: uuid.New(), Balance: 5}
	r, _, fm := testSetup(t, acct)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sms/send", gin.H{
		"phone_number": "123",
		"message":      "hello",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if fm.balance[acct.ID] != 5 {
		t.Fatal("validation failure must not debit")
	}
}

func TestGetMessage_CrossTenant(t *testing.T) {
	acct := &model.Account{ID: uuid.New(), Balance: 1}
	r, _, fm := testSetup(t, acct)

	other := &model.Message{ID: uuid.New(), AccountID: uuid.New(), Status: model.StatusSent}
	fm.messages[other.ID] = other

	w := doJSON(t, r, http.MethodGet, "/api/v1/sms/"+other.ID.String(), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	acct := &model.Account{ID: uuid.New()}
	r, _, _ := testSetup(t, acct)

	w := doJSON(t, r, http.MethodGet, "/api/v1/sms/"+uuid.NewString(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/sms/not-a-uuid", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", w.Code)
	}
}

func TestList_FilterValidation(t *testing.T) {
	acct := &model.Account{ID: uuid.New()}
	r, _, _ := testSetup(t, acct)

	for _, q := range []string{
		"?status=7",
		"?sms_type=0",
		"?start_date=yesterday",
		"?page=0",
		"?page_size=1000",
	} {
		w := doJSON(t, r, http.MethodGet, "/api/v1/sms"+q, nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("query %q: expected 422, got %d", q, w.Code)
		}
	}
}

func TestList(t *testing.T) {
	acct := &model.Account{ID: uuid.New()}
	r, _, fm := testSetup(t, acct)

	for i := 0; i < 3; i++ {
		m := &model.Message{ID: uuid.New(), AccountID: acct.ID, Status: model.StatusSent}
		fm.messages[m.ID] = m
	}
	// another tenant's message must not leak
	foreign := &model.Message{ID: uuid.New(), AccountID: uuid.New(), Status: model.StatusSent}
	fm.messages[foreign.ID] = foreign

	w := doJSON(t, r, http.MethodGet, "/api/v1/sms?status=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Items []model.Message `json:"items"`
		Total int64           `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || len(resp.Items) != 3 {
		t.Fatalf("expected 3 messages, got total=%d items=%d", resp.Total, len(resp.Items))
	}
}
