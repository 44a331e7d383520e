package repo

import (
	"context"
	"time"

	"malvin-lite/internal/metrics"
)

// instrumented bounds every call with the backend timeout and records its latency.
type instrumented struct {
	next    Store
	timeout time.Duration
	metrics *metrics.Metrics
}

// Instrument decorates store with a per-call timeout and storage latency metrics.
// A zero timeout leaves the caller's deadline untouched.
func Instrument(store Store, timeout time.Duration, m *metrics.Metrics) Store {
	return &instrumented{next: store, timeout: timeout, metrics: m}
}

func (s *instrumented) begin(ctx context.Context, op string) (context.Context, func()) {
	started := time.Now()
	cancel := func() {}
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {
		cancel()
		s.metrics.ObserveStorage(s.next.Backend(), op, started)
	}
}

func (s *instrumented) Backend() string { return s.next.Backend() }
func (s *instrumented) Close()          { s.next.Close() }

func (s *instrumented) Ping(ctx context.Context) error {
	ctx, done := s.begin(ctx, "ping")
	defer done()
	return s.next.Ping(ctx)
}

func (s *instrumented) PutCredential(ctx context.Context, sessionID string, creds []byte) error {
	ctx, done := s.begin(ctx, "put_credential")
	defer done()
	return s.next.PutCredential(ctx, sessionID, creds)
}

func (s *instrumented) GetCredential(ctx context.Context, sessionID string) (*SessionCredential, error) {
	ctx, done := s.begin(ctx, "get_credential")
	defer done()
	return s.next.GetCredential(ctx, sessionID)
}

func (s *instrumented) ListCredentials(ctx context.Context) ([]SessionCredential, error) {
	ctx, done := s.begin(ctx, "list_credentials")
	defer done()
	return s.next.ListCredentials(ctx)
}

func (s *instrumented) DeleteCredential(ctx context.Context, sessionID string) error {
	ctx, done := s.begin(ctx, "delete_credential")
	defer done()
	return s.next.DeleteCredential(ctx, sessionID)
}

func (s *instrumented) CountCredentials(ctx context.Context) (int, error) {
	ctx, done := s.begin(ctx, "count_credentials")
	defer done()
	return s.next.CountCredentials(ctx)
}

func (s *instrumented) GetConfig(ctx context.Context, userID string) (*UserConfig, error) {
	ctx, done := s.begin(ctx, "get_config")
	defer done()
	return s.next.GetConfig(ctx, userID)
}

func (s *instrumented) CreateConfigIfAbsent(ctx context.Context, cfg UserConfig) (*UserConfig, error) {
	ctx, done := s.begin(ctx, "create_config")
	defer done()
	return s.next.CreateConfigIfAbsent(ctx, cfg)
}

func (s *instrumented) SaveConfig(ctx context.Context, cfg UserConfig) error {
	ctx, done := s.begin(ctx, "save_config")
	defer done()
	return s.next.SaveConfig(ctx, cfg)
}

func (s *instrumented) DeleteConfig(ctx context.Context, userID string) error {
	ctx, done := s.begin(ctx, "delete_config")
	defer done()
	return s.next.DeleteConfig(ctx, userID)
}

func (s *instrumented) ListConfigs(ctx context.Context) ([]UserConfig, error) {
	ctx, done := s.begin(ctx, "list_configs")
	defer done()
	return s.next.ListConfigs(ctx)
}

func (s *instrumented) CountConfigs(ctx context.Context) (int, error) {
	ctx, done := s.begin(ctx, "count_configs")
	defer done()
	return s.next.CountConfigs(ctx)
}

func (s *instrumented) CreateAccount(ctx context.Context, acc Account) (*Account, error) {
	ctx, done := s.begin(ctx, "create_account")
	defer done()
	return s.next.CreateAccount(ctx, acc)
}

func (s *instrumented) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	ctx, done := s.begin(ctx, "get_account")
	defer done()
	return s.next.GetAccountByPhone(ctx, phone)
}

func (s *instrumented) ApplyInitialCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	ctx, done := s.begin(ctx, "initial_charge")
	defer done()
	return s.next.ApplyInitialCharge(ctx, phone, amount, at)
}

func (s *instrumented) ApplyPeriodicCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	ctx, done := s.begin(ctx, "periodic_charge")
	defer done()
	return s.next.ApplyPeriodicCharge(ctx, phone, amount, at)
}

func (s *instrumented) ResetInitialCharge(ctx context.Context, phone string) error {
	ctx, done := s.begin(ctx, "reset_initial_charge")
	defer done()
	return s.next.ResetInitialCharge(ctx, phone)
}

func (s *instrumented) AddCredits(ctx context.Context, phone string, amount int64) (*Account, error) {
	ctx, done := s.begin(ctx, "add_credits")
	defer done()
	return s.next.AddCredits(ctx, phone, amount)
}
