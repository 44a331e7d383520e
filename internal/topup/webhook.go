// Package topup receives payment provider callbacks and credits accounts.
package topup

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"malvin-lite/internal/config"
	"malvin-lite/internal/credit"
	"malvin-lite/internal/metrics"
	"malvin-lite/internal/repo"
)

const maxBodyBytes = 64 << 10

// Event is a decoded payment callback.
type Event struct {
	Type       string `json:"event"`
	Reference  string `json:"reference"`
	Phone      string `json:"phone"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	ReceivedAt time.Time
}

// Ledger credits balances.
type Ledger interface {
	TopUp(ctx context.Context, phone string, amount int64) (*repo.Account, error)
}

// Claims deduplicates provider retries by reference.
type Claims interface {
	Key(parts ...string) string
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Notifier tells the user their balance changed. Optional.
type Notifier interface {
	Notify(ctx context.Context, phone, text string) error
}

// WebhookHandler verifies the callback signature and applies paid deposits.
type WebhookHandler struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	secret   []byte
	ledger   Ledger
	claims   Claims
	claimTTL time.Duration
	notifier Notifier
}

func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, secret string, ledger Ledger, claims Claims, claimTTL time.Duration) *WebhookHandler {
	return &WebhookHandler{
		logger:   logger.With("component", "topup_webhook"),
		metrics:  m,
		secret:   []byte(secret),
		ledger:   ledger,
		claims:   claims,
		claimTTL: claimTTL,
	}
}

// SetNotifier registers a notifier for successful top-ups.
func (h *WebhookHandler) SetNotifier(n Notifier) {
	h.notifier = n
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.IncError("topup_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.validSignature(r.Header, body) {
		h.metrics.IncError("topup_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if event.Type == "" {
		event.Type = detectEventType(r.Header)
	}
	event.ReceivedAt = time.Now()

	status, err := h.Handle(r.Context(), event)
	if err != nil {
		h.logger.Error("failed processing webhook", "error", err, "event", event.Type, "reference", event.Reference)
		h.metrics.IncError("topup_webhook_process")
		switch {
		case errors.Is(err, errBadEvent):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repo.ErrNotFound):
			http.Error(w, "unknown account", http.StatusNotFound)
		default:
			http.Error(w, "failed to process", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":%q}`, status)
}

var errBadEvent = errors.New("bad event")

// Handle applies a paid deposit once per reference. It returns "credited",
// "duplicate" or "ignored".
func (h *WebhookHandler) Handle(ctx context.Context, event Event) (string, error) {
	if !isPaid(event) {
		h.logger.Info("ignoring webhook event", "event", event.Type, "status", event.Status)
		return "ignored", nil
	}
	if event.Reference == "" || event.Phone == "" {
		return "", fmt.Errorf("%w: reference and phone are required", errBadEvent)
	}
	amount, err := config.ParseCredits(event.Amount)
	if err != nil || amount <= 0 {
		return "", fmt.Errorf("%w: invalid amount %q", errBadEvent, event.Amount)
	}

	key := h.claims.Key("topup", event.Reference)
	first, err := h.claims.Claim(ctx, key, h.claimTTL)
	if err != nil {
		return "", err
	}
	if !first {
		h.logger.Info("duplicate webhook delivery", "reference", event.Reference)
		return "duplicate", nil
	}

	acc, err := h.ledger.TopUp(ctx, event.Phone, amount)
	if err != nil {
		if relErr := h.claims.Release(ctx, key); relErr != nil {
			h.logger.Warn("release claim", "reference", event.Reference, "error", relErr)
		}
		return "", err
	}

	h.logger.Info("deposit credited", "reference", event.Reference, "phone", event.Phone, "amount", event.Amount)
	if h.notifier != nil {
		text := fmt.Sprintf("Top-up received: %s credits. New balance: %s credits.", credit.FormatCredits(amount), credit.FormatCredits(acc.Credits))
		if err := h.notifier.Notify(ctx, event.Phone, text); err != nil {
			h.logger.Debug("top-up notice not delivered", "phone", event.Phone, "error", err)
		}
	}
	return "credited", nil
}

func isPaid(event Event) bool {
	switch strings.ToLower(event.Status) {
	case "paid", "success", "settlement":
		return true
	}
	return strings.EqualFold(event.Type, "deposit.paid")
}

func (h *WebhookHandler) validSignature(header http.Header, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	signature := strings.TrimSpace(header.Get("X-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(header.Get("X-Webhook-Signature"))
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(h.secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func detectEventType(header http.Header) string {
	for _, key := range []string{"X-Event-Type", "X-Event"} {
		if val := header.Get(key); val != "" {
			return val
		}
	}
	return "unknown"
}
