package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"malvin-lite/internal/credit"
	"malvin-lite/internal/repo"
	"malvin-lite/internal/userconfig"
)

// CreditReader is the credit lookup used by the balance command.
type CreditReader interface {
	CreditInfo(ctx context.Context, phone string) (*credit.Info, error)
}

// ConfigUpdater applies settings changes.
type ConfigUpdater interface {
	Update(ctx context.Context, userID string, patch userconfig.Patch) (*repo.UserConfig, error)
}

var phonePattern = regexp.MustCompile(`^\d{5,20}$`)

// RegisterCore adds the session and settings commands every deployment has.
func RegisterCore(r *Registry, credits CreditReader, configs ConfigUpdater) error {
	cmds := []Command{
		{
			Name:        "credits",
			Aliases:     []string{"balance", "saldo"},
			Description: "show balance and remaining session time",
			Handler:     creditsHandler(credits),
		},
		{
			Name:        "setprefix",
			Description: "change the command prefix",
			Handler:     ownerOnly(setPrefixHandler(configs)),
		},
		{
			Name:        "mode",
			Description: "switch between public and private mode",
			Handler:     ownerOnly(modeHandler(configs)),
		},
		{
			Name:        "allow",
			Aliases:     []string{"disallow"},
			Description: "add or remove a number from the private mode allowlist",
			Handler:     ownerOnly(allowHandler(configs)),
		},
	}
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func ownerOnly(next Handler) Handler {
	return func(ctx context.Context, req *Request) error {
		if req.Sender != req.UserID {
			return req.reply(ctx, "Only the bot owner can change settings.")
		}
		return next(ctx, req)
	}
}

func (req *Request) reply(ctx context.Context, text string) error {
	if req.Reply == nil {
		return nil
	}
	return req.Reply(ctx, text)
}

func creditsHandler(credits CreditReader) Handler {
	return func(ctx context.Context, req *Request) error {
		info, err := credits.CreditInfo(ctx, req.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			return req.reply(ctx, "No credit account is linked to this number.")
		}
		if err != nil {
			return err
		}
		last := "never"
		if info.LastChargeTime != nil {
			last = info.LastChargeTime.Format("2006-01-02 15:04")
		}
		return req.reply(ctx, fmt.Sprintf("Balance: %s credits\nLast charge: %s\nRemaining: %s",
			credit.FormatCredits(info.Balance), last, info.Remaining))
	}
}

func setPrefixHandler(configs ConfigUpdater) Handler {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 || len(req.Args[0]) > 3 {
			return req.reply(ctx, fmt.Sprintf("Usage: %ssetprefix <1-3 characters>", req.Config.Prefix))
		}
		prefix := req.Args[0]
		if _, err := configs.Update(ctx, req.UserID, userconfig.Patch{Prefix: &prefix}); err != nil {
			return err
		}
		return req.reply(ctx, fmt.Sprintf("Prefix set to %s", prefix))
	}
}

func modeHandler(configs ConfigUpdater) Handler {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return req.reply(ctx, fmt.Sprintf("Current mode: %s", req.Config.BotMode))
		}
		mode := repo.BotMode(strings.ToLower(req.Args[0]))
		if mode != repo.BotModePublic && mode != repo.BotModePrivate {
			return req.reply(ctx, "Mode must be public or private.")
		}
		if _, err := configs.Update(ctx, req.UserID, userconfig.Patch{BotMode: &mode}); err != nil {
			return err
		}
		return req.reply(ctx, fmt.Sprintf("Bot is now %s", mode))
	}
}

func allowHandler(configs ConfigUpdater) Handler {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 || !phonePattern.MatchString(req.Args[0]) {
			return req.reply(ctx, "Usage: allow|disallow <phone number>")
		}
		number := req.Args[0]
		users := append([]string{}, req.Config.AuthorizedUsers...)
		remove := strings.EqualFold(firstWord(req.Text, req.Config.Prefix), "disallow")
		if remove {
			users = slices.DeleteFunc(users, func(u string) bool { return u == number })
		} else if !slices.Contains(users, number) {
			users = append(users, number)
		}
		if _, err := configs.Update(ctx, req.UserID, userconfig.Patch{AuthorizedUsers: &users}); err != nil {
			return err
		}
		if remove {
			return req.reply(ctx, fmt.Sprintf("%s removed from the allowlist", number))
		}
		return req.reply(ctx, fmt.Sprintf("%s added to the allowlist", number))
	}
}

func firstWord(text, prefix string) string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), prefix))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
