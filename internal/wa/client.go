// Package wa runs one whatsmeow client per bot session and reports their
// lifecycle to the orchestrator.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"malvin-lite/internal/dispatch"
	"malvin-lite/internal/metrics"
	"malvin-lite/internal/orchestrator"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// ErrUnknownSession is returned for phones without a running client.
var ErrUnknownSession = errors.New("wa: unknown session")

// Config holds configuration for the session manager.
type Config struct {
	BaseDir   string
	CredsFile string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// EventSink receives session lifecycle events.
type EventSink interface {
	CredentialsUpdated(ctx context.Context, sessionID, sessionDir string)
	ConnectionOpened(ctx context.Context, phone string) bool
	ConnectionClosed(ctx context.Context, phone string, reason orchestrator.CloseReason)
}

// MessageProcessor handles inbound chat messages.
type MessageProcessor interface {
	Dispatch(ctx context.Context, msg dispatch.Message) (bool, error)
}

type session struct {
	id     string
	dir    string
	client *whatsmeow.Client
}

// phone is the account number once paired, the session id before that.
func (s *session) phone() string {
	if s.client != nil && s.client.Store != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.User
	}
	return s.id
}

// Manager owns every session client. Session ids are the owners' phone numbers.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sink      EventSink
	processor MessageProcessor

	// run executes lifecycle callbacks off the whatsmeow event goroutine so a
	// callback may disconnect the client that emitted the event.
	run func(func())

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config, sink EventSink, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "wa"),
		metrics:  cfg.Metrics,
		sink:     sink,
		run:      func(fn func()) { go fn() },
		sessions: make(map[string]*session),
	}
}

// SetMessageProcessor registers the inbound message handler.
func (m *Manager) SetMessageProcessor(processor MessageProcessor) {
	m.processor = processor
}

// StartAll connects every session directory under BaseDir that holds
// credentials. A session that fails to start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.cfg.BaseDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}

	started := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := os.Stat(filepath.Join(m.cfg.BaseDir, id, m.cfg.CredsFile)); err != nil {
			continue
		}
		if err := m.start(ctx, id, false); err != nil {
			m.logger.Error("session failed to start", "session", id, "error", err)
			m.metrics.IncError("wa")
			continue
		}
		started++
	}
	m.logger.Info("sessions started", "count", started)
	return started, nil
}

// Pair starts a new session and logs QR codes until it is linked.
func (m *Manager) Pair(ctx context.Context, sessionID string) error {
	return m.start(ctx, sessionID, true)
}

func (m *Manager) start(ctx context.Context, id string, pair bool) error {
	m.mu.Lock()
	_, running := m.sessions[id]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("session %s already running", id)
	}

	s, err := m.open(ctx, id)
	if err != nil {
		return err
	}

	if s.client.Store.ID == nil {
		if !pair {
			return fmt.Errorf("session %s has no linked device", id)
		}
		qrChan, err := s.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					m.logger.Info("scan the QR code with WhatsApp", "session", id, "qr", evt.Code)
				} else {
					m.logger.Info("pairing event received", "session", id, "event", evt.Event)
				}
			}
		}()
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.client.Connect(); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return fmt.Errorf("connect session %s: %w", id, err)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, id string) (*session, error) {
	dir := filepath.Join(m.cfg.BaseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure session dir: %w", err)
	}

	// Rollback journal keeps the whole device state in the single file that is persisted.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)&_pragma=journal_mode(DELETE)",
		filepath.Join(dir, m.cfg.CredsFile))
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("whatsmeow/sqlstore", m.cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	s := &session{id: id, dir: dir}
	s.client = whatsmeow.NewClient(device, waLog.Stdout("whatsmeow/"+id, m.cfg.LogLevel, true))
	s.client.AddEventHandler(func(evt any) { m.handleEvent(s, evt) })
	return s, nil
}

func (m *Manager) handleEvent(s *session, evt any) {
	ctx := context.Background()
	switch v := evt.(type) {
	case *events.PairSuccess:
		m.logger.Info("device paired", "session", s.id, "jid", v.ID.String())
		m.run(func() { m.sink.CredentialsUpdated(ctx, s.id, s.dir) })
	case *events.Connected:
		phone := s.phone()
		m.logger.Info("device connected", "session", s.id, "phone", phone)
		m.run(func() {
			m.sink.CredentialsUpdated(ctx, s.id, s.dir)
			m.sink.ConnectionOpened(ctx, phone)
		})
	case *events.LoggedOut:
		phone := s.phone()
		m.logger.Warn("device logged out", "session", s.id, "reason", v.Reason.String())
		m.forget(s)
		m.run(func() {
			m.sink.ConnectionClosed(ctx, phone, orchestrator.ReasonLoggedOut)
			if err := os.RemoveAll(s.dir); err != nil {
				m.logger.Warn("remove session dir", "session", s.id, "error", err)
			}
		})
	case *events.Disconnected:
		phone := s.phone()
		m.logger.Warn("device disconnected", "session", s.id)
		m.run(func() { m.sink.ConnectionClosed(ctx, phone, orchestrator.ReasonTransient) })
	case *events.Message:
		m.handleMessage(s, v)
	}
}

func (m *Manager) handleMessage(s *session, evt *events.Message) {
	if m.processor == nil || evt.Message == nil {
		return
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	chat := evt.Info.Chat
	msg := dispatch.Message{
		UserID: s.phone(),
		Sender: evt.Info.Sender.User,
		Chat:   chat.String(),
		Text:   text,
		Reply: func(ctx context.Context, reply string) error {
			return m.sendText(ctx, s, chat, reply)
		},
	}
	go func() {
		if _, err := m.processor.Dispatch(context.Background(), msg); err != nil {
			m.logger.Warn("message dispatch failed", "session", s.id, "error", err)
		}
	}()
}

func (m *Manager) forget(s *session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

func (m *Manager) find(phone string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[phone]; ok {
		return s, true
	}
	for _, s := range m.sessions {
		if s.phone() == phone {
			return s, true
		}
	}
	return nil, false
}

// Close disconnects the session of phone and drops its client.
// Local credentials are kept so the session can be resumed later.
func (m *Manager) Close(phone string) error {
	s, ok := m.find(phone)
	if !ok {
		return fmt.Errorf("close %s: %w", phone, ErrUnknownSession)
	}
	m.forget(s)
	s.client.Disconnect()
	m.logger.Info("session closed", "session", s.id)
	return nil
}

// Notify sends text to the account's own chat.
func (m *Manager) Notify(ctx context.Context, phone, text string) error {
	s, ok := m.find(phone)
	if !ok {
		return fmt.Errorf("notify %s: %w", phone, ErrUnknownSession)
	}
	return m.sendText(ctx, s, types.NewJID(s.phone(), types.DefaultUserServer), text)
}

func (m *Manager) sendText(ctx context.Context, s *session, to types.JID, text string) error {
	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := s.client.SendMessage(ctx, to, message); err != nil {
		m.metrics.IncError("wa")
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// Running lists the ids of sessions with a live client.
func (m *Manager) Running() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CloseAll disconnects every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.client.Disconnect()
	}
}
