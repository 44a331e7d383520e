package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"malvin-lite/internal/config"
	"malvin-lite/internal/credit"
	"malvin-lite/internal/logging"
	"malvin-lite/internal/orchestrator"
	"malvin-lite/internal/repo"
	"malvin-lite/internal/userconfig"
	"malvin-lite/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSessions struct {
	status orchestrator.Status
	err    error
}

func (s staticSessions) Status(context.Context) (orchestrator.Status, error) { return s.status, s.err }

type recordingPairer struct{ ids []string }

func (p *recordingPairer) Pair(_ context.Context, id string) error {
	p.ids = append(p.ids, id)
	return nil
}

type fixture struct {
	handler http.Handler
	ledger  *credit.Ledger
	pairer  *recordingPairer
}

func newFixture(t *testing.T, sessions Sessions) fixture {
	t.Helper()
	ctx := context.Background()
	lite, err := repo.NewSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, lite.RunMigrations(ctx, migrations.Files))
	t.Cleanup(lite.Close)

	ledger := credit.NewLedger(lite, credit.Policy{Initial: 30, Periodic: 25, Interval: 15 * time.Minute, StartingCredits: 100}, logging.Discard(), nil)
	t.Cleanup(ledger.Close)
	configs := userconfig.NewManager(lite, config.UserDefaults{Prefix: "!"}, logging.Discard(), nil)
	pairer := &recordingPairer{}

	srv := New(":0", logging.Discard(), nil, Handlers{TopUpWebhook: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}, Dependencies{
		Credits:  ledger,
		Configs:  configs,
		Sessions: sessions,
		Pairer:   pairer,
		Store:    lite,
	})
	return fixture{handler: srv.Handler(), ledger: ledger, pairer: pairer}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, staticSessions{})

	rec := do(t, f.handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, f.handler, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/webhook/topup", "{}")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAccountLifecycle(t *testing.T) {
	f := newFixture(t, staticSessions{})

	rec := do(t, f.handler, http.MethodGet, "/api/credits/628100", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/accounts", `{"username":"malvin","phoneNumber":"628100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/accounts", `{"username":"malvin","phoneNumber":"not-a-number"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/credits/628100/topup", `{"amount":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/credits/628100/topup", `{"amount":50}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.handler, http.MethodGet, "/api/credits/628100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "1.50", body["balance"])
	assert.Equal(t, "0d 1h 30m", body["remainingText"])
	assert.Equal(t, false, body["metering"])
}

func TestConfigGetAndPatch(t *testing.T) {
	f := newFixture(t, staticSessions{})

	rec := do(t, f.handler, http.MethodGet, "/api/config/628100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "!", decode(t, rec)["prefix"])

	rec = do(t, f.handler, http.MethodPatch, "/api/config/628100", `{"botMode":"private","authorizedUsers":["628222"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "private", body["botMode"])
	assert.Equal(t, "!", body["prefix"])
	assert.Equal(t, []any{"628222"}, body["authorizedUsers"])

	rec = do(t, f.handler, http.MethodPatch, "/api/config/628100", `{"botMode":"secret"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler, http.MethodPatch, "/api/config/628100", `{"prefix":"toolong"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsStatusAndPair(t *testing.T) {
	f := newFixture(t, staticSessions{status: orchestrator.Status{StoredSessions: 2, Metered: []string{"a"}, Paused: []string{"b"}}})

	rec := do(t, f.handler, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["storedSessions"])
	assert.Equal(t, []any{"b"}, body["paused"])

	rec = do(t, f.handler, http.MethodPost, "/api/sessions/628300/pair", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"628300"}, f.pairer.ids)
}

func TestSessionsStatusFailure(t *testing.T) {
	f := newFixture(t, staticSessions{err: errors.New("down")})

	rec := do(t, f.handler, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
