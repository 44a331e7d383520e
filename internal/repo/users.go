package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const configColumns = `user_id, prefix, auto_status_seen, auto_status_react, auto_status_reply,
       auto_status_msg, bot_mode, authorized_users, private_mode_pin_code, last_updated`

// GetConfig returns the stored config for userID.
func (r *PostgresRepository) GetConfig(ctx context.Context, userID string) (*UserConfig, error) {
	q := `SELECT ` + configColumns + ` FROM user_configs WHERE user_id = $1 LIMIT 1;`
	cfg, err := scanConfig(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get config: %w", err)
	}
	return cfg, nil
}

// CreateConfigIfAbsent inserts cfg when no row exists and returns the stored row.
func (r *PostgresRepository) CreateConfigIfAbsent(ctx context.Context, cfg UserConfig) (*UserConfig, error) {
	const q = `
INSERT INTO user_configs (user_id, prefix, auto_status_seen, auto_status_react, auto_status_reply,
                          auto_status_msg, bot_mode, authorized_users, private_mode_pin_code, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, NOW())
ON CONFLICT (user_id) DO NOTHING;
`
	users, err := toJSON(cfg.AuthorizedUsers)
	if err != nil {
		return nil, err
	}
	if _, err := r.pool.Exec(ctx, q,
		cfg.UserID,
		cfg.Prefix,
		cfg.AutoStatusSeen,
		cfg.AutoStatusReact,
		cfg.AutoStatusReply,
		cfg.AutoStatusMsg,
		string(cfg.BotMode),
		users,
		cfg.PrivateModePinCode,
	); err != nil {
		return nil, fmt.Errorf("create config: %w", err)
	}
	return r.GetConfig(ctx, cfg.UserID)
}

// SaveConfig upserts the full record.
func (r *PostgresRepository) SaveConfig(ctx context.Context, cfg UserConfig) error {
	const q = `
INSERT INTO user_configs (user_id, prefix, auto_status_seen, auto_status_react, auto_status_reply,
                          auto_status_msg, bot_mode, authorized_users, private_mode_pin_code, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
ON CONFLICT (user_id) DO UPDATE SET
    prefix = EXCLUDED.prefix,
    auto_status_seen = EXCLUDED.auto_status_seen,
    auto_status_react = EXCLUDED.auto_status_react,
    auto_status_reply = EXCLUDED.auto_status_reply,
    auto_status_msg = EXCLUDED.auto_status_msg,
    bot_mode = EXCLUDED.bot_mode,
    authorized_users = EXCLUDED.authorized_users,
    private_mode_pin_code = EXCLUDED.private_mode_pin_code,
    last_updated = EXCLUDED.last_updated;
`
	users, err := toJSON(cfg.AuthorizedUsers)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, q,
		cfg.UserID,
		cfg.Prefix,
		cfg.AutoStatusSeen,
		cfg.AutoStatusReact,
		cfg.AutoStatusReply,
		cfg.AutoStatusMsg,
		string(cfg.BotMode),
		users,
		cfg.PrivateModePinCode,
		cfg.LastUpdated,
	); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// DeleteConfig removes the config for userID, if any.
func (r *PostgresRepository) DeleteConfig(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM user_configs WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

// ListConfigs returns every stored config.
func (r *PostgresRepository) ListConfigs(ctx context.Context) ([]UserConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+configColumns+` FROM user_configs ORDER BY user_id;`)
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

// CountConfigs returns the number of stored configs.
func (r *PostgresRepository) CountConfigs(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_configs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count configs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*UserConfig, error) {
	var (
		cfg   UserConfig
		mode  string
		users []byte
	)
	if err := row.Scan(
		&cfg.UserID,
		&cfg.Prefix,
		&cfg.AutoStatusSeen,
		&cfg.AutoStatusReact,
		&cfg.AutoStatusReply,
		&cfg.AutoStatusMsg,
		&mode,
		&users,
		&cfg.PrivateModePinCode,
		&cfg.LastUpdated,
	); err != nil {
		return nil, err
	}
	cfg.BotMode = BotMode(mode)
	cfg.AuthorizedUsers = fromJSON(users)
	return &cfg, nil
}

func toJSON(users []string) (string, error) {
	if users == nil {
		users = []string{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		return "", fmt.Errorf("marshal authorized users: %w", err)
	}
	return string(data), nil
}

func fromJSON(data []byte) []string {
	users := []string{}
	if len(data) == 0 {
		return users
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return []string{}
	}
	return users
}
