// Package dispatch routes prefixed chat commands to registered handlers.
// The prefix and the bot mode come from the owner's user config.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"malvin-lite/internal/metrics"
	"malvin-lite/internal/repo"
	"malvin-lite/internal/userconfig"
)

// Message is an inbound chat message addressed to a bot session.
type Message struct {
	// UserID owns the bot session; its config decides prefix and mode.
	UserID string
	Sender string
	Chat   string
	Text   string
	Reply  func(ctx context.Context, text string) error
}

// Request is what a handler receives.
type Request struct {
	Message
	Command string
	Args    []string
	Config  *repo.UserConfig
}

// Handler runs one command.
type Handler func(ctx context.Context, req *Request) error

// Command is a registered command. Pattern, when set, must match the whole
// command word; otherwise Name and Aliases are compared case-insensitively.
type Command struct {
	Name        string
	Aliases     []string
	Pattern     *regexp.Regexp
	Description string
	Handler     Handler
}

func (c Command) matches(word string) bool {
	if c.Pattern != nil && c.Pattern.MatchString(word) {
		return true
	}
	if strings.EqualFold(c.Name, word) {
		return true
	}
	for _, alias := range c.Aliases {
		if strings.EqualFold(alias, word) {
			return true
		}
	}
	return false
}

// Configs resolves the config for a bot owner.
type Configs interface {
	Get(ctx context.Context, userID string, overrides userconfig.Patch) (*repo.UserConfig, error)
}

// Registry holds commands in registration order.
type Registry struct {
	configs Configs
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	commands []Command
}

func NewRegistry(configs Configs, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		configs: configs,
		logger:  logger.With("component", "dispatch"),
		metrics: m,
	}
}

// Register adds a command. Names must be unique.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.commands {
		if strings.EqualFold(existing.Name, cmd.Name) {
			return fmt.Errorf("command %q already registered", cmd.Name)
		}
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// Commands returns a copy of the registered commands.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.commands...)
}

func (r *Registry) lookup(word string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cmd := range r.commands {
		if cmd.matches(word) {
			return cmd, true
		}
	}
	return Command{}, false
}

// Dispatch runs the command in msg, if any. It reports whether a handler ran.
// A config lookup failure does not block dispatch: the fallback config is used.
func (r *Registry) Dispatch(ctx context.Context, msg Message) (bool, error) {
	cfg, err := r.configs.Get(ctx, msg.UserID, userconfig.Patch{})
	if err != nil {
		r.logger.Warn("dispatching with default config", "user", msg.UserID, "error", err)
	}

	text := strings.TrimSpace(msg.Text)
	if cfg == nil || cfg.Prefix == "" || !strings.HasPrefix(text, cfg.Prefix) {
		return false, nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, cfg.Prefix))
	if len(fields) == 0 {
		return false, nil
	}

	cmd, ok := r.lookup(fields[0])
	if !ok {
		return false, nil
	}
	if !userconfig.Authorized(cfg, msg.Sender) {
		r.logger.Info("command rejected in private mode", "user", msg.UserID, "sender", msg.Sender, "command", cmd.Name)
		return false, nil
	}

	req := &Request{Message: msg, Command: cmd.Name, Args: fields[1:], Config: cfg}
	if err := cmd.Handler(ctx, req); err != nil {
		r.logger.Error("command failed", "command", cmd.Name, "user", msg.UserID, "error", err)
		r.metrics.IncError("dispatch")
		return true, fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	return true, nil
}
