// Package credit meters connected sessions against their account balance.
//
// Each connected phone gets at most one meter: a cron entry that deducts the
// periodic charge every interval. A meter that cannot charge stops itself and
// reports the phone through the callback given to Start.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"malvin-lite/internal/metrics"
	"malvin-lite/internal/repo"

	"github.com/robfig/cron/v3"
)

// ErrInvalidAmount is returned for non-positive top-ups.
var ErrInvalidAmount = errors.New("credit: amount must be positive")

// Policy holds charge amounts in minor units.
type Policy struct {
	Initial         int64
	Periodic        int64
	Interval        time.Duration
	StartingCredits int64
}

// InsufficientFunc is called with the phone whose meter could not charge.
type InsufficientFunc func(phone string)

type meter struct {
	phone          string
	onInsufficient InsufficientFunc

	mu      sync.Mutex
	id      cron.EntryID
	stopped bool
}

// Ledger applies charges and owns the meter registry.
type Ledger struct {
	store   repo.AccountRepository
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cron   *cron.Cron
	mu     sync.Mutex
	meters map[string]*meter
}

func NewLedger(store repo.AccountRepository, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		policy:  policy,
		logger:  logger.With("component", "credit"),
		metrics: m,
		now:     time.Now,
		cron:    cron.New(),
		meters:  make(map[string]*meter),
	}
}

// Policy returns the charge policy in use.
func (l *Ledger) Policy() Policy { return l.policy }

// Run starts the scheduler. Meters installed before Run begin ticking once it is called.
func (l *Ledger) Run() {
	l.cron.Start()
}

// Close stops every meter and waits for running ticks to return.
func (l *Ledger) Close() {
	l.mu.Lock()
	for phone, m := range l.meters {
		l.halt(m)
		delete(l.meters, phone)
	}
	l.metrics.SetActiveMeters(0)
	l.mu.Unlock()

	<-l.cron.Stop().Done()
}

// Start replaces any meter for phone with a new one. Unless isReconnection is
// set, the initial charge is applied first; it is applied at most once per
// account until ResetInitialCharge. When the initial charge fails Start calls
// onInsufficient and returns false; stopping the meter is up to the caller.
func (l *Ledger) Start(ctx context.Context, phone string, isReconnection bool, onInsufficient InsufficientFunc) bool {
	l.install(phone, onInsufficient)

	if isReconnection {
		l.logger.Info("meter resumed", "phone", phone)
		return true
	}

	outcome, err := l.store.ApplyInitialCharge(ctx, phone, l.policy.Initial, l.now())
	switch {
	case err != nil:
		l.logger.Error("initial charge failed", "phone", phone, "error", err)
		l.metrics.IncError("credit")
		l.metrics.IncCharge("initial", "error")
	case outcome == repo.ChargeInsufficient:
		l.logger.Warn("insufficient credits for initial charge", "phone", phone, "amount", FormatCredits(l.policy.Initial))
		l.metrics.IncCharge("initial", outcome.String())
	default:
		l.logger.Info("meter started", "phone", phone, "initial_charge", outcome.String())
		l.metrics.IncCharge("initial", outcome.String())
		return true
	}

	if onInsufficient != nil {
		onInsufficient(phone)
	}
	return false
}

func (l *Ledger) install(phone string, onInsufficient InsufficientFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.meters[phone]; ok {
		l.halt(old)
	}

	m := &meter{phone: phone, onInsufficient: onInsufficient}
	m.mu.Lock()
	m.id = l.cron.Schedule(cron.Every(l.policy.Interval), cron.FuncJob(func() { l.tick(m) }))
	m.mu.Unlock()

	l.meters[phone] = m
	l.metrics.SetActiveMeters(len(l.meters))
}

// halt waits for an in-flight tick of m and disables it. Callers hold l.mu.
func (l *Ledger) halt(m *meter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	l.cron.Remove(m.id)
}

// Stop removes the meter for phone. Once Stop returns no further charge is
// applied for it. Stopping an unmetered phone is a no-op.
func (l *Ledger) Stop(phone string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.meters[phone]
	if !ok {
		return false
	}
	l.halt(m)
	delete(l.meters, phone)
	l.metrics.SetActiveMeters(len(l.meters))
	l.logger.Info("meter stopped", "phone", phone)
	return true
}

func (l *Ledger) tick(m *meter) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	outcome, err := l.store.ApplyPeriodicCharge(context.Background(), m.phone, l.policy.Periodic, l.now())
	if err == nil && outcome == repo.ChargeApplied {
		m.mu.Unlock()
		l.metrics.IncCharge("periodic", outcome.String())
		l.logger.Debug("periodic charge applied", "phone", m.phone, "amount", FormatCredits(l.policy.Periodic))
		return
	}

	m.stopped = true
	l.cron.Remove(m.id)
	m.mu.Unlock()

	if err != nil {
		l.logger.Error("periodic charge failed, stopping meter", "phone", m.phone, "error", err)
		l.metrics.IncError("credit")
		l.metrics.IncCharge("periodic", "error")
	} else {
		l.logger.Warn("insufficient credits, stopping meter", "phone", m.phone)
		l.metrics.IncCharge("periodic", outcome.String())
	}

	l.mu.Lock()
	if l.meters[m.phone] == m {
		delete(l.meters, m.phone)
	}
	l.metrics.SetActiveMeters(len(l.meters))
	l.mu.Unlock()

	if m.onInsufficient != nil {
		m.onInsufficient(m.phone)
	}
}

// IsMetering reports whether phone has a running meter.
func (l *Ledger) IsMetering(phone string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.meters[phone]
	return ok
}

// Active lists metered phones in sorted order.
func (l *Ledger) Active() []string {
	l.mu.Lock()
	phones := make([]string, 0, len(l.meters))
	for phone := range l.meters {
		phones = append(phones, phone)
	}
	l.mu.Unlock()
	sort.Strings(phones)
	return phones
}

// ResetInitialCharge lets the next fresh connection pay the initial charge again.
func (l *Ledger) ResetInitialCharge(ctx context.Context, phone string) bool {
	if err := l.store.ResetInitialCharge(ctx, phone); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.logger.Warn("reset initial charge: no account", "phone", phone)
		} else {
			l.logger.Error("reset initial charge", "phone", phone, "error", err)
			l.metrics.IncError("credit")
		}
		return false
	}
	return true
}

// OpenAccount creates an account holding the starting credits.
func (l *Ledger) OpenAccount(ctx context.Context, username, phone string) (*repo.Account, error) {
	acc, err := l.store.CreateAccount(ctx, repo.Account{
		Username:    username,
		PhoneNumber: phone,
		Credits:     l.policy.StartingCredits,
	})
	if err != nil {
		l.logger.Error("open account", "phone", phone, "error", err)
		l.metrics.IncError("credit")
		return nil, err
	}
	l.logger.Info("account opened", "phone", phone, "credits", FormatCredits(acc.Credits))
	return acc, nil
}

// TopUp adds amount minor units to the balance of phone.
func (l *Ledger) TopUp(ctx context.Context, phone string, amount int64) (*repo.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := l.store.AddCredits(ctx, phone, amount)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			l.logger.Error("top up", "phone", phone, "error", err)
			l.metrics.IncError("credit")
		}
		return nil, err
	}
	l.logger.Info("credits added", "phone", phone, "amount", FormatCredits(amount), "balance", FormatCredits(acc.Credits))
	return acc, nil
}

// Info is the credit summary shown to a user.
type Info struct {
	Phone          string     `json:"phone"`
	Balance        int64      `json:"balance"`
	LastChargeTime *time.Time `json:"lastChargeTime"`
	Remaining      Remaining  `json:"remaining"`
	Metering       bool       `json:"metering"`
}

// CreditInfo reads the balance of phone and estimates how long it lasts.
func (l *Ledger) CreditInfo(ctx context.Context, phone string) (*Info, error) {
	acc, err := l.store.GetAccountByPhone(ctx, phone)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			l.logger.Error("credit info", "phone", phone, "error", err)
			l.metrics.IncError("credit")
		}
		return nil, fmt.Errorf("credit info for %s: %w", phone, err)
	}
	return &Info{
		Phone:          phone,
		Balance:        acc.Credits,
		LastChargeTime: acc.LastChargeTime,
		Remaining:      l.policy.EstimateRemainingTime(acc.Credits),
		Metering:       l.IsMetering(phone),
	}, nil
}
