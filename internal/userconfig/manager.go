// Package userconfig resolves per-user bot preferences with find-or-create
// semantics. Reads always yield a usable config.
package userconfig

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"malvin-lite/internal/config"
	"malvin-lite/internal/metrics"
	"malvin-lite/internal/repo"
)

// Fallbacks used when neither the caller nor the environment set a value.
const (
	DefaultPrefix        = "."
	DefaultBotMode       = repo.BotModePublic
	DefaultAutoStatusMsg = "Status seen by Malvin-Lite"
	defaultStatusSeen    = true
	defaultStatusReact   = false
	defaultStatusReply   = false
)

// Patch is a partial user config. Nil fields are left untouched.
type Patch struct {
	Prefix             *string       `json:"prefix" binding:"omitempty,min=1,max=3"`
	AutoStatusSeen     *bool         `json:"autoStatusSeen"`
	AutoStatusReact    *bool         `json:"autoStatusReact"`
	AutoStatusReply    *bool         `json:"autoStatusReply"`
	AutoStatusMsg      *string       `json:"autoStatusMsg" binding:"omitempty,max=500"`
	BotMode            *repo.BotMode `json:"botMode" binding:"omitempty,oneof=public private"`
	AuthorizedUsers    *[]string     `json:"authorizedUsers" binding:"omitempty,dive,min=5,max=32"`
	PrivateModePinCode *string       `json:"privateModePinCode" binding:"omitempty,min=4,max=12"`
}

func (p Patch) apply(cfg *repo.UserConfig) {
	if p.Prefix != nil {
		cfg.Prefix = *p.Prefix
	}
	if p.AutoStatusSeen != nil {
		cfg.AutoStatusSeen = *p.AutoStatusSeen
	}
	if p.AutoStatusReact != nil {
		cfg.AutoStatusReact = *p.AutoStatusReact
	}
	if p.AutoStatusReply != nil {
		cfg.AutoStatusReply = *p.AutoStatusReply
	}
	if p.AutoStatusMsg != nil {
		cfg.AutoStatusMsg = *p.AutoStatusMsg
	}
	if p.BotMode != nil {
		cfg.BotMode = *p.BotMode
	}
	if p.AuthorizedUsers != nil {
		cfg.AuthorizedUsers = slices.Clone(*p.AuthorizedUsers)
	}
	if p.PrivateModePinCode != nil {
		pin := *p.PrivateModePinCode
		cfg.PrivateModePinCode = &pin
	}
}

// Manager owns user config reads and writes.
type Manager struct {
	store    repo.ConfigRepository
	defaults config.UserDefaults
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewManager(store repo.ConfigRepository, defaults config.UserDefaults, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		defaults: defaults,
		logger:   logger.With("component", "userconfig"),
		metrics:  m,
		now:      time.Now,
	}
}

// Default builds the config a new user would get. Overrides win over the
// process defaults, which win over the package fallbacks.
func (m *Manager) Default(userID string, overrides Patch) repo.UserConfig {
	cfg := repo.UserConfig{
		UserID:          userID,
		Prefix:          DefaultPrefix,
		AutoStatusSeen:  defaultStatusSeen,
		AutoStatusReact: defaultStatusReact,
		AutoStatusReply: defaultStatusReply,
		AutoStatusMsg:   DefaultAutoStatusMsg,
		BotMode:         DefaultBotMode,
		AuthorizedUsers: []string{},
	}

	d := m.defaults
	if d.Prefix != "" {
		cfg.Prefix = d.Prefix
	}
	if d.BotMode != "" {
		cfg.BotMode = repo.BotMode(d.BotMode)
	}
	if d.AutoStatusSeen != nil {
		cfg.AutoStatusSeen = *d.AutoStatusSeen
	}
	if d.AutoStatusReact != nil {
		cfg.AutoStatusReact = *d.AutoStatusReact
	}
	if d.AutoStatusReply != nil {
		cfg.AutoStatusReply = *d.AutoStatusReply
	}
	if d.AutoStatusMsg != "" {
		cfg.AutoStatusMsg = d.AutoStatusMsg
	}

	overrides.apply(&cfg)
	cfg.LastUpdated = m.now()
	return cfg
}

// Get returns the stored config for userID, creating it from defaults when
// missing. On storage failure the in-memory default is returned together
// with the error.
func (m *Manager) Get(ctx context.Context, userID string, overrides Patch) (*repo.UserConfig, error) {
	existing, err := m.store.GetConfig(ctx, userID)
	if err == nil {
		m.metrics.IncConfigLookup("stored")
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return m.fallback(userID, overrides, err)
	}

	created, err := m.store.CreateConfigIfAbsent(ctx, m.Default(userID, overrides))
	if err != nil {
		return m.fallback(userID, overrides, err)
	}
	m.metrics.IncConfigLookup("created")
	m.logger.Info("user config created", "user", userID, "prefix", created.Prefix, "mode", created.BotMode)
	return created, nil
}

func (m *Manager) fallback(userID string, overrides Patch, err error) (*repo.UserConfig, error) {
	m.logger.Error("user config lookup failed, using defaults", "user", userID, "error", err)
	m.metrics.IncError("userconfig")
	m.metrics.IncConfigLookup("fallback")
	cfg := m.Default(userID, overrides)
	return &cfg, err
}

// Update merges patch into the user's config and persists it.
func (m *Manager) Update(ctx context.Context, userID string, patch Patch) (*repo.UserConfig, error) {
	cfg, err := m.Get(ctx, userID, Patch{})
	if err != nil {
		return nil, err
	}

	patch.apply(cfg)
	cfg.LastUpdated = m.now()
	if err := m.store.SaveConfig(ctx, *cfg); err != nil {
		m.logger.Error("save user config", "user", userID, "error", err)
		m.metrics.IncError("userconfig")
		return nil, err
	}
	return cfg, nil
}

// Delete removes the user's config. Deleting a missing config succeeds.
func (m *Manager) Delete(ctx context.Context, userID string) (bool, error) {
	if err := m.store.DeleteConfig(ctx, userID); err != nil {
		m.logger.Error("delete user config", "user", userID, "error", err)
		m.metrics.IncError("userconfig")
		return false, err
	}
	return true, nil
}

func (m *Manager) List(ctx context.Context) ([]repo.UserConfig, error) {
	all, err := m.store.ListConfigs(ctx)
	if err != nil {
		m.logger.Error("list user configs", "error", err)
		m.metrics.IncError("userconfig")
		return []repo.UserConfig{}, err
	}
	return all, nil
}

func (m *Manager) Count(ctx context.Context) (int, error) {
	n, err := m.store.CountConfigs(ctx)
	if err != nil {
		m.logger.Error("count user configs", "error", err)
		m.metrics.IncError("userconfig")
		return 0, err
	}
	return n, nil
}

// Authorized reports whether sender may run commands under cfg.
// Private mode admits the owner and the allowlist only.
func Authorized(cfg *repo.UserConfig, sender string) bool {
	if cfg == nil || cfg.BotMode != repo.BotModePrivate {
		return true
	}
	if sender == cfg.UserID {
		return true
	}
	return slices.Contains(cfg.AuthorizedUsers, sender)
}
