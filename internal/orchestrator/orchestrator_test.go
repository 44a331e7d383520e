package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"malvin-lite/internal/credit"
	"malvin-lite/internal/logging"
	"malvin-lite/internal/repo"
	"malvin-lite/internal/session"
	"malvin-lite/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	ids      []string
	saved    []string
	deleted  []string
	restored int
	err      error
}

func (f *fakeSessions) SaveToStore(_ context.Context, id, _ string) (session.SaveStatus, error) {
	f.saved = append(f.saved, id)
	return session.Saved, nil
}

func (f *fakeSessions) RestoreAll(context.Context, string) (int, error) { return f.restored, f.err }

func (f *fakeSessions) DeleteFromStore(_ context.Context, id string) (bool, error) {
	f.deleted = append(f.deleted, id)
	return true, nil
}

func (f *fakeSessions) SessionIDs(context.Context) ([]string, error) { return f.ids, f.err }

func (f *fakeSessions) Count(context.Context) (int, error) { return len(f.ids), nil }

type startCall struct {
	phone        string
	reconnection bool
}

type fakeMeters struct {
	mu      sync.Mutex
	starts  []startCall
	stops   []string
	resets  []string
	active  []string
	onStart func(phone string, cb credit.InsufficientFunc) bool
}

func (f *fakeMeters) Start(_ context.Context, phone string, reconnection bool, cb credit.InsufficientFunc) bool {
	f.mu.Lock()
	f.starts = append(f.starts, startCall{phone, reconnection})
	f.mu.Unlock()
	if f.onStart != nil {
		return f.onStart(phone, cb)
	}
	return true
}

func (f *fakeMeters) Stop(phone string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, phone)
	return true
}

func (f *fakeMeters) ResetInitialCharge(_ context.Context, phone string) bool {
	f.resets = append(f.resets, phone)
	return true
}

func (f *fakeMeters) Active() []string { return f.active }

type fakeConnector struct {
	closed   []string
	notified map[string]string
}

func (c *fakeConnector) Close(phone string) error {
	c.closed = append(c.closed, phone)
	return nil
}

func (c *fakeConnector) Notify(_ context.Context, phone, text string) error {
	if c.notified == nil {
		c.notified = map[string]string{}
	}
	c.notified[phone] = text
	return nil
}

func TestBootSeedsKnownSessions(t *testing.T) {
	sessions := &fakeSessions{ids: []string{"628100"}, restored: 1}
	meters := &fakeMeters{}
	o := New(sessions, meters, "sessions", logging.Discard(), nil)

	n, err := o.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o.ConnectionOpened(context.Background(), "628100")
	o.ConnectionOpened(context.Background(), "628200")
	o.ConnectionOpened(context.Background(), "628200")

	assert.Equal(t, []startCall{
		{"628100", true},
		{"628200", false},
		{"628200", true},
	}, meters.starts)
}

func TestBootReportsStorageFailure(t *testing.T) {
	sessions := &fakeSessions{err: errors.New("down")}
	o := New(sessions, &fakeMeters{}, "sessions", logging.Discard(), nil)

	n, err := o.Boot(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestCredentialsUpdatedSaves(t *testing.T) {
	sessions := &fakeSessions{}
	o := New(sessions, &fakeMeters{}, "sessions", logging.Discard(), nil)

	o.CredentialsUpdated(context.Background(), "628100", "sessions/628100")
	assert.Equal(t, []string{"628100"}, sessions.saved)
}

func TestInsufficientCreditsPausesSession(t *testing.T) {
	conn := &fakeConnector{}
	meters := &fakeMeters{onStart: func(phone string, cb credit.InsufficientFunc) bool {
		cb(phone)
		return false
	}}
	o := New(&fakeSessions{}, meters, "sessions", logging.Discard(), nil)
	o.SetConnector(conn)

	ok := o.ConnectionOpened(context.Background(), "628100")
	assert.False(t, ok)
	assert.True(t, o.Paused("628100"))
	assert.Equal(t, []string{"628100"}, conn.closed)
	assert.Equal(t, PausedNotice, conn.notified["628100"])
	assert.Contains(t, meters.stops, "628100")

	meters.onStart = nil
	o.ConnectionOpened(context.Background(), "628100")
	assert.False(t, o.Paused("628100"))
}

func TestLoggedOutForgetsSession(t *testing.T) {
	sessions := &fakeSessions{}
	meters := &fakeMeters{}
	o := New(sessions, meters, "sessions", logging.Discard(), nil)
	ctx := context.Background()

	o.ConnectionOpened(ctx, "628100")
	o.ConnectionClosed(ctx, "628100", ReasonTransient)
	assert.Empty(t, sessions.deleted)
	assert.Empty(t, meters.resets)

	o.ConnectionOpened(ctx, "628100")
	o.ConnectionClosed(ctx, "628100", ReasonLoggedOut)
	assert.Equal(t, []string{"628100"}, sessions.deleted)
	assert.Equal(t, []string{"628100"}, meters.resets)
	assert.Equal(t, []string{"628100", "628100"}, meters.stops)

	o.ConnectionOpened(ctx, "628100")
	require.Len(t, meters.starts, 3)
	assert.Equal(t, startCall{"628100", true}, meters.starts[1])
	assert.Equal(t, startCall{"628100", false}, meters.starts[2])
}

func TestStatus(t *testing.T) {
	sessions := &fakeSessions{ids: []string{"a", "b"}}
	meters := &fakeMeters{active: []string{"a"}}
	o := New(sessions, meters, "sessions", logging.Discard(), nil)
	o.pause("b")

	st, err := o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Status{StoredSessions: 2, Metered: []string{"a"}, Paused: []string{"b"}}, st)
}

func TestLedgerExhaustionClosesConnection(t *testing.T) {
	ctx := context.Background()
	lite, err := repo.NewSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, lite.RunMigrations(ctx, migrations.Files))
	defer lite.Close()

	_, err = lite.CreateAccount(ctx, repo.Account{Username: "malvin", PhoneNumber: "628100", Credits: 40})
	require.NoError(t, err)

	ledger := credit.NewLedger(lite, credit.Policy{Initial: 30, Periodic: 25, Interval: time.Second}, logging.Discard(), nil)
	defer ledger.Close()
	conn := &fakeConnector{}
	o := New(&fakeSessions{}, ledger, "sessions", logging.Discard(), nil)
	o.SetConnector(conn)

	require.True(t, o.ConnectionOpened(ctx, "628100"))
	ledger.Run()

	assert.Eventually(t, func() bool { return o.Paused("628100") }, 5*time.Second, 50*time.Millisecond)
	assert.False(t, ledger.IsMetering("628100"))
}
