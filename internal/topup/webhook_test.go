package topup

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"malvin-lite/internal/cache"
	"malvin-lite/internal/logging"
	"malvin-lite/internal/repo"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

type fakeLedger struct {
	credited map[string]int64
	err      error
}

func (f *fakeLedger) TopUp(_ context.Context, phone string, amount int64) (*repo.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.credited == nil {
		f.credited = map[string]int64{}
	}
	f.credited[phone] += amount
	return &repo.Account{PhoneNumber: phone, Credits: f.credited[phone]}, nil
}

type notes struct{ sent []string }

func (n *notes) Notify(_ context.Context, phone, text string) error {
	n.sent = append(n.sent, phone+": "+text)
	return nil
}

func newHandler(t *testing.T, ledger Ledger) *WebhookHandler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := cache.New(cache.Config{Addr: mr.Addr(), Prefix: "test"}, logging.Discard())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWebhookHandler(logging.Discard(), nil, secret, ledger, rdb, time.Hour)
}

func post(t *testing.T, h http.Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/topup", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sign(body string) string {
	return "sha256=" + hex.EncodeToString(Sign([]byte(secret), []byte(body)))
}

func TestPaidDepositCreditedOnce(t *testing.T) {
	ledger := &fakeLedger{}
	h := newHandler(t, ledger)
	n := &notes{}
	h.SetNotifier(n)

	body := `{"event":"deposit","reference":"INV-1","phone":"628100","amount":"1.50","status":"paid"}`
	rec := post(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"credited"}`, rec.Body.String())

	rec = post(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, rec.Body.String())

	assert.Equal(t, int64(150), ledger.credited["628100"])
	assert.Equal(t, []string{"628100: Top-up received: 1.50 credits. New balance: 1.50 credits."}, n.sent)
}

func TestRejectsBadSignature(t *testing.T) {
	h := newHandler(t, &fakeLedger{})
	body := `{"reference":"INV-1","phone":"628100","amount":"1.00","status":"paid"}`

	assert.Equal(t, http.StatusUnauthorized, post(t, h, body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, body, "sha256=deadbeef").Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, body, sign(body+" ")).Code)
}

func TestIgnoresUnpaidAndRejectsBadEvents(t *testing.T) {
	ledger := &fakeLedger{}
	h := newHandler(t, ledger)

	pending := `{"reference":"INV-2","phone":"628100","amount":"1.00","status":"pending"}`
	rec := post(t, h, pending, sign(pending))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())

	badAmount := `{"reference":"INV-3","phone":"628100","amount":"-1","status":"paid"}`
	assert.Equal(t, http.StatusBadRequest, post(t, h, badAmount, sign(badAmount)).Code)

	noRef := `{"phone":"628100","amount":"1.00","status":"paid"}`
	assert.Equal(t, http.StatusBadRequest, post(t, h, noRef, sign(noRef)).Code)

	assert.Empty(t, ledger.credited)
}

func TestFailedTopUpReleasesClaim(t *testing.T) {
	ledger := &fakeLedger{err: repo.ErrNotFound}
	h := newHandler(t, ledger)
	body := `{"reference":"INV-4","phone":"628404","amount":"1.00","status":"paid"}`

	assert.Equal(t, http.StatusNotFound, post(t, h, body, sign(body)).Code)

	ledger.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, post(t, h, body, sign(body)).Code)

	ledger.err = nil
	rec := post(t, h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100), ledger.credited["628404"])
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler(t, &fakeLedger{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/topup", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
