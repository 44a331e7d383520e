// Package orchestrator ties connection lifecycle events to credential
// persistence and credit metering.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"malvin-lite/internal/credit"
	"malvin-lite/internal/metrics"
	"malvin-lite/internal/session"
)

// CloseReason says why a connection went away.
type CloseReason int

const (
	// ReasonTransient covers network drops and restarts; credentials stay valid.
	ReasonTransient CloseReason = iota
	// ReasonLoggedOut means the device was unlinked and credentials are dead.
	ReasonLoggedOut
)

func (r CloseReason) String() string {
	if r == ReasonLoggedOut {
		return "logged_out"
	}
	return "transient"
}

// PausedNotice is sent to a user whose session was closed for lack of credits.
const PausedNotice = "Your Malvin-Lite credits have run out, so this bot session has been paused. Top up your balance and reconnect to resume."

// Connector is the slice of the connection layer the orchestrator drives.
type Connector interface {
	Close(phone string) error
	Notify(ctx context.Context, phone, text string) error
}

// Sessions is the credential persistence used at boot and on lifecycle events.
type Sessions interface {
	SaveToStore(ctx context.Context, sessionID, sessionDir string) (session.SaveStatus, error)
	RestoreAll(ctx context.Context, baseDir string) (int, error)
	DeleteFromStore(ctx context.Context, sessionID string) (bool, error)
	SessionIDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// Meters is the credit ledger surface used per connection.
type Meters interface {
	Start(ctx context.Context, phone string, isReconnection bool, onInsufficient credit.InsufficientFunc) bool
	Stop(phone string) bool
	ResetInitialCharge(ctx context.Context, phone string) bool
	Active() []string
}

// Status summarises sessions for the dashboard.
type Status struct {
	StoredSessions int      `json:"storedSessions"`
	Metered        []string `json:"metered"`
	Paused         []string `json:"paused"`
}

// Orchestrator reacts to connection events. It is safe for concurrent use.
type Orchestrator struct {
	sessions  Sessions
	meters    Meters
	baseDir   string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	connector Connector

	mu     sync.Mutex
	known  map[string]struct{}
	paused map[string]struct{}
}

func New(sessions Sessions, meters Meters, baseDir string, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		meters:   meters,
		baseDir:  baseDir,
		logger:   logger.With("component", "orchestrator"),
		metrics:  m,
		known:    make(map[string]struct{}),
		paused:   make(map[string]struct{}),
	}
}

// SetConnector attaches the connection layer. The connection manager needs
// the orchestrator as its event sink, so it is wired after construction.
func (o *Orchestrator) SetConnector(c Connector) {
	o.mu.Lock()
	o.connector = c
	o.mu.Unlock()
}

// Boot restores stored credentials into the sessions directory and records
// which sessions were authenticated before this process started. It must run
// before any connection is opened.
func (o *Orchestrator) Boot(ctx context.Context) (int, error) {
	restored, restoreErr := o.sessions.RestoreAll(ctx, o.baseDir)
	ids, listErr := o.sessions.SessionIDs(ctx)

	o.mu.Lock()
	for _, id := range ids {
		o.known[id] = struct{}{}
	}
	o.mu.Unlock()

	err := errors.Join(restoreErr, listErr)
	if err != nil {
		o.logger.Warn("boot finished with storage errors", "restored", restored, "error", err)
	} else {
		o.logger.Info("boot finished", "restored", restored, "known", len(ids))
	}
	return restored, err
}

// CredentialsUpdated persists the local credential file of a session.
func (o *Orchestrator) CredentialsUpdated(ctx context.Context, sessionID, sessionDir string) {
	if _, err := o.sessions.SaveToStore(ctx, sessionID, sessionDir); err != nil {
		o.logger.Warn("credentials not persisted", "session", sessionID, "error", err)
	}
}

// ConnectionOpened starts metering. A phone stored at boot or opened earlier
// in this process counts as a reconnection and skips the initial charge.
func (o *Orchestrator) ConnectionOpened(ctx context.Context, phone string) bool {
	o.mu.Lock()
	_, reconnection := o.known[phone]
	o.known[phone] = struct{}{}
	delete(o.paused, phone)
	o.metrics.SetPaused(len(o.paused))
	o.mu.Unlock()

	o.logger.Info("connection opened", "phone", phone, "reconnection", reconnection)
	return o.meters.Start(ctx, phone, reconnection, o.pause)
}

// pause runs when a meter cannot charge: it closes the connection, marks
// the session paused and tells the user.
func (o *Orchestrator) pause(phone string) {
	o.meters.Stop(phone)

	o.mu.Lock()
	o.paused[phone] = struct{}{}
	o.metrics.SetPaused(len(o.paused))
	conn := o.connector
	o.mu.Unlock()

	o.logger.Warn("session paused for insufficient credits", "phone", phone)
	if conn == nil {
		return
	}
	if err := conn.Notify(context.Background(), phone, PausedNotice); err != nil {
		o.logger.Warn("paused notice not delivered", "phone", phone, "error", err)
	}
	if err := conn.Close(phone); err != nil {
		o.logger.Error("close paused session", "phone", phone, "error", err)
		o.metrics.IncError("orchestrator")
	}
}

// ConnectionClosed stops metering. A logout also drops stored credentials and
// re-arms the initial charge for the next pairing.
func (o *Orchestrator) ConnectionClosed(ctx context.Context, phone string, reason CloseReason) {
	o.meters.Stop(phone)
	o.logger.Info("connection closed", "phone", phone, "reason", reason.String())
	if reason != ReasonLoggedOut {
		return
	}

	if _, err := o.sessions.DeleteFromStore(ctx, phone); err != nil {
		o.logger.Warn("stored credentials not deleted", "phone", phone, "error", err)
	}
	o.meters.ResetInitialCharge(ctx, phone)

	o.mu.Lock()
	delete(o.known, phone)
	delete(o.paused, phone)
	o.metrics.SetPaused(len(o.paused))
	o.mu.Unlock()
}

// Paused reports whether phone was closed for lack of credits.
func (o *Orchestrator) Paused(phone string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.paused[phone]
	return ok
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	stored, err := o.sessions.Count(ctx)

	o.mu.Lock()
	paused := make([]string, 0, len(o.paused))
	for phone := range o.paused {
		paused = append(paused, phone)
	}
	o.mu.Unlock()
	sort.Strings(paused)

	return Status{
		StoredSessions: stored,
		Metered:        o.meters.Active(),
		Paused:         paused,
	}, err
}
