package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Session credentials --

func (r *SQLiteRepository) PutCredential(ctx context.Context, sessionID string, creds []byte) error {
	const q = `
INSERT INTO session_credentials (session_id, creds, last_updated)
VALUES (?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    creds = excluded.creds,
    last_updated = excluded.last_updated;
`
	if creds == nil {
		creds = []byte{}
	}
	if _, err := r.db.ExecContext(ctx, q, sessionID, creds, time.Now().UTC()); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCredential(ctx context.Context, sessionID string) (*SessionCredential, error) {
	const q = `
SELECT session_id, creds, last_updated
FROM session_credentials
WHERE session_id = ?
LIMIT 1;
`
	var c SessionCredential
	if err := r.db.QueryRowContext(ctx, q, sessionID).Scan(&c.SessionID, &c.Creds, &c.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (r *SQLiteRepository) ListCredentials(ctx context.Context) ([]SessionCredential, error) {
	const q = `
SELECT session_id, creds, last_updated
FROM session_credentials
ORDER BY session_id;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	records := []SessionCredential{}
	for rows.Next() {
		var c SessionCredential
		if err := rows.Scan(&c.SessionID, &c.Creds, &c.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return records, nil
}

func (r *SQLiteRepository) DeleteCredential(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_credentials WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CountCredentials(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

// -- User configs --

func (r *SQLiteRepository) GetConfig(ctx context.Context, userID string) (*UserConfig, error) {
	q := `SELECT ` + configColumns + ` FROM user_configs WHERE user_id = ? LIMIT 1;`
	cfg, err := scanConfig(r.db.QueryRowContext(ctx, q, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get config: %w", err)
	}
	return cfg, nil
}

func (r *SQLiteRepository) CreateConfigIfAbsent(ctx context.Context, cfg UserConfig) (*UserConfig, error) {
	const q = `
INSERT INTO user_configs (user_id, prefix, auto_status_seen, auto_status_react, auto_status_reply,
                          auto_status_msg, bot_mode, authorized_users, private_mode_pin_code, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO NOTHING;
`
	users, err := toJSON(cfg.AuthorizedUsers)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, q,
		cfg.UserID,
		cfg.Prefix,
		cfg.AutoStatusSeen,
		cfg.AutoStatusReact,
		cfg.AutoStatusReply,
		cfg.AutoStatusMsg,
		string(cfg.BotMode),
		users,
		cfg.PrivateModePinCode,
		time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("create config: %w", err)
	}
	return r.GetConfig(ctx, cfg.UserID)
}

func (r *SQLiteRepository) SaveConfig(ctx context.Context, cfg UserConfig) error {
	const q = `
INSERT INTO user_configs (user_id, prefix, auto_status_seen, auto_status_react, auto_status_reply,
                          auto_status_msg, bot_mode, authorized_users, private_mode_pin_code, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    prefix = excluded.prefix,
    auto_status_seen = excluded.auto_status_seen,
    auto_status_react = excluded.auto_status_react,
    auto_status_reply = excluded.auto_status_reply,
    auto_status_msg = excluded.auto_status_msg,
    bot_mode = excluded.bot_mode,
    authorized_users = excluded.authorized_users,
    private_mode_pin_code = excluded.private_mode_pin_code,
    last_updated = excluded.last_updated;
`
	users, err := toJSON(cfg.AuthorizedUsers)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q,
		cfg.UserID,
		cfg.Prefix,
		cfg.AutoStatusSeen,
		cfg.AutoStatusReact,
		cfg.AutoStatusReply,
		cfg.AutoStatusMsg,
		string(cfg.BotMode),
		users,
		cfg.PrivateModePinCode,
		cfg.LastUpdated.UTC(),
	); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteConfig(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_configs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListConfigs(ctx context.Context) ([]UserConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+configColumns+` FROM user_configs ORDER BY user_id;`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	configs := []UserConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configs: %w", err)
	}
	return configs, nil
}

func (r *SQLiteRepository) CountConfigs(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_configs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count configs: %w", err)
	}
	return n, nil
}

// -- Accounts --

func (r *SQLiteRepository) CreateAccount(ctx context.Context, acc Account) (*Account, error) {
	now := time.Now().UTC()
	q := `
INSERT INTO accounts (id, username, phone_number, credits, initial_charge_applied, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?)
RETURNING ` + accountColumns + `;`
	created, err := scanAccount(r.db.QueryRowContext(ctx, q, uuid.NewString(), acc.Username, acc.PhoneNumber, acc.Credits, now, now))
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

func (r *SQLiteRepository) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE phone_number = ? LIMIT 1;`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, q, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (r *SQLiteRepository) ApplyInitialCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	const q = `
UPDATE accounts
SET credits = MAX(credits - ?, 0),
    initial_charge_applied = 1,
    last_charge_time = ?,
    updated_at = ?
WHERE phone_number = ?
  AND initial_charge_applied = 0
  AND credits >= ?;
`
	res, err := r.db.ExecContext(ctx, q, amount, at.UTC(), time.Now().UTC(), phone, amount)
	if err != nil {
		return ChargeInsufficient, fmt.Errorf("apply initial charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ChargeApplied, nil
	}
	return r.explainMiss(ctx, phone, true)
}

func (r *SQLiteRepository) ApplyPeriodicCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	const q = `
UPDATE accounts
SET credits = MAX(credits - ?, 0),
    last_charge_time = ?,
    updated_at = ?
WHERE phone_number = ?
  AND credits >= ?;
`
	res, err := r.db.ExecContext(ctx, q, amount, at.UTC(), time.Now().UTC(), phone, amount)
	if err != nil {
		return ChargeInsufficient, fmt.Errorf("apply periodic charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ChargeApplied, nil
	}
	return r.explainMiss(ctx, phone, false)
}

func (r *SQLiteRepository) explainMiss(ctx context.Context, phone string, initial bool) (ChargeOutcome, error) {
	acc, err := r.GetAccountByPhone(ctx, phone)
	if err != nil {
		return ChargeInsufficient, err
	}
	if initial && acc.InitialChargeApplied {
		return ChargeAlreadyApplied, nil
	}
	return ChargeInsufficient, nil
}

func (r *SQLiteRepository) ResetInitialCharge(ctx context.Context, phone string) error {
	const q = `UPDATE accounts SET initial_charge_applied = 0, updated_at = ? WHERE phone_number = ?`
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), phone)
	if err != nil {
		return fmt.Errorf("reset initial charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) AddCredits(ctx context.Context, phone string, amount int64) (*Account, error) {
	q := `
UPDATE accounts
SET credits = credits + ?, updated_at = ?
WHERE phone_number = ?
RETURNING ` + accountColumns + `;`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, q, amount, time.Now().UTC(), phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("add credits: %w", err)
	}
	return acc, nil
}
