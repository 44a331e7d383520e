// Package session moves WhatsApp session credentials between the local
// directory layout used by the connection library and the credential store.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"malvin-lite/internal/metrics"
	"malvin-lite/internal/repo"
)

// SaveStatus reports what SaveToStore did.
type SaveStatus int

const (
	Saved SaveStatus = iota
	Skipped
	Failed
)

func (s SaveStatus) String() string {
	switch s {
	case Saved:
		return "saved"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Manager bridges the credential store and per-session directories.
// Storage failures are logged and turned into sentinel results; the error is
// returned as well so callers can tell an empty store from a broken one.
type Manager struct {
	store     repo.CredentialRepository
	credsFile string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewManager creates a Manager. credsFile is the credential file name inside
// every session directory.
func NewManager(store repo.CredentialRepository, credsFile string, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:     store,
		credsFile: credsFile,
		logger:    logger.With("component", "session"),
		metrics:   m,
	}
}

// CredsPath returns the credential file location for a session directory.
func (m *Manager) CredsPath(sessionDir string) string {
	return filepath.Join(sessionDir, m.credsFile)
}

// SaveToStore uploads the local credential file of sessionDir.
// A missing file is not an error: the session may not have paired yet.
func (m *Manager) SaveToStore(ctx context.Context, sessionID, sessionDir string) (SaveStatus, error) {
	path := m.CredsPath(sessionDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug("no local credentials yet, skipping save", "session", sessionID, "path", path)
			m.metrics.IncCredentialSave(Skipped.String())
			return Skipped, nil
		}
		m.fail("read local credentials", err, "session", sessionID, "path", path)
		m.metrics.IncCredentialSave(Failed.String())
		return Failed, fmt.Errorf("read %s: %w", path, err)
	}

	if err := m.store.PutCredential(ctx, sessionID, data); err != nil {
		m.fail("save credentials", err, "session", sessionID)
		m.metrics.IncCredentialSave(Failed.String())
		return Failed, err
	}

	m.logger.Debug("credentials saved", "session", sessionID, "bytes", len(data))
	m.metrics.IncCredentialSave(Saved.String())
	return Saved, nil
}

// RestoreAll writes every stored blob to baseDir/<sessionID>/<credsFile>
// unless that file already exists; a live local session is never replaced by
// a stored copy. It returns how many files were written.
func (m *Manager) RestoreAll(ctx context.Context, baseDir string) (int, error) {
	records, err := m.store.ListCredentials(ctx)
	if err != nil {
		m.fail("list stored credentials", err)
		return 0, err
	}

	restored := 0
	var errs []error
	for _, rec := range records {
		ok, err := m.restoreOne(baseDir, rec)
		if err != nil {
			m.fail("restore session", err, "session", rec.SessionID)
			errs = append(errs, err)
			continue
		}
		if ok {
			restored++
		}
	}

	m.metrics.AddRestored(restored)
	m.logger.Info("session restore finished", "stored", len(records), "restored", restored, "failed", len(errs))
	return restored, errors.Join(errs...)
}

func (m *Manager) restoreOne(baseDir string, rec repo.SessionCredential) (bool, error) {
	if !validSessionID(rec.SessionID) {
		return false, fmt.Errorf("invalid session id %q", rec.SessionID)
	}
	dir := filepath.Join(baseDir, rec.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", dir, err)
	}

	path := m.CredsPath(dir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			m.logger.Debug("local credentials present, keeping them", "session", rec.SessionID)
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(rec.Creds); err != nil {
		f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("close %s: %w", path, err)
	}
	return true, nil
}

// DeleteFromStore removes the stored credentials so the session is not
// restored on the next boot.
func (m *Manager) DeleteFromStore(ctx context.Context, sessionID string) (bool, error) {
	if err := m.store.DeleteCredential(ctx, sessionID); err != nil {
		m.fail("delete stored credentials", err, "session", sessionID)
		return false, err
	}
	m.logger.Info("stored credentials deleted", "session", sessionID)
	return true, nil
}

// Count returns the number of stored sessions, 0 when the store is unavailable.
func (m *Manager) Count(ctx context.Context) (int, error) {
	n, err := m.store.CountCredentials(ctx)
	if err != nil {
		m.fail("count stored sessions", err)
		return 0, err
	}
	return n, nil
}

// SessionIDs lists the ids of every stored session.
func (m *Manager) SessionIDs(ctx context.Context) ([]string, error) {
	records, err := m.store.ListCredentials(ctx)
	if err != nil {
		m.fail("list stored sessions", err)
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.SessionID)
	}
	return ids, nil
}

func (m *Manager) fail(msg string, err error, args ...any) {
	m.logger.Error(msg, append(args, "error", err)...)
	m.metrics.IncError("session")
}

// validSessionID rejects ids that would escape the sessions directory.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return filepath.Base(id) == id
}
