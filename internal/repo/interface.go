package repo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// CredentialRepository persists one opaque credential blob per session.
type CredentialRepository interface {
	PutCredential(ctx context.Context, sessionID string, creds []byte) error
	GetCredential(ctx context.Context, sessionID string) (*SessionCredential, error)
	ListCredentials(ctx context.Context) ([]SessionCredential, error)
	DeleteCredential(ctx context.Context, sessionID string) error
	CountCredentials(ctx context.Context) (int, error)
}

// ConfigRepository persists per-user runtime preferences.
type ConfigRepository interface {
	GetConfig(ctx context.Context, userID string) (*UserConfig, error)
	// CreateConfigIfAbsent inserts cfg unless a record already exists and
	// returns whichever record is stored afterwards.
	CreateConfigIfAbsent(ctx context.Context, cfg UserConfig) (*UserConfig, error)
	SaveConfig(ctx context.Context, cfg UserConfig) error
	DeleteConfig(ctx context.Context, userID string) error
	ListConfigs(ctx context.Context) ([]UserConfig, error)
	CountConfigs(ctx context.Context) (int, error)
}

// AccountRepository persists credit balances keyed by phone number.
type AccountRepository interface {
	CreateAccount(ctx context.Context, acc Account) (*Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*Account, error)
	// ApplyInitialCharge deducts amount only when the initial charge has not
	// been applied yet and the balance covers it. Flag and deduction change together.
	ApplyInitialCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error)
	// ApplyPeriodicCharge deducts amount only when the balance covers it.
	ApplyPeriodicCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error)
	ResetInitialCharge(ctx context.Context, phone string) error
	AddCredits(ctx context.Context, phone string, amount int64) (*Account, error)
}

// Store is a storage backend serving every record type.
type Store interface {
	CredentialRepository
	ConfigRepository
	AccountRepository

	Backend() string
	Ping(ctx context.Context) error
	Close()
}
