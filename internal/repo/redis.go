package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"malvin-lite/internal/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRepository is the document-store backend: credentials and configs are
// JSON documents with an index set per record type, accounts are hashes
// mutated by Lua scripts so every charge is a single atomic step.
type RedisRepository struct {
	rdb    *cache.Redis
	logger *slog.Logger
}

// NewRedis wraps an existing Redis connection.
func NewRedis(rdb *cache.Redis, logger *slog.Logger) *RedisRepository {
	return &RedisRepository{
		rdb:    rdb,
		logger: logger.With("component", "repo_redis"),
	}
}

// Backend names the storage engine.
func (r *RedisRepository) Backend() string { return "redis" }

// Ping ensures Redis is reachable.
func (r *RedisRepository) Ping(ctx context.Context) error { return r.rdb.Ping(ctx) }

// Close releases the Redis connection.
func (r *RedisRepository) Close() {
	if err := r.rdb.Close(); err != nil {
		r.logger.Warn("failed closing redis", "error", err)
	}
}

func (r *RedisRepository) credKey(id string) string    { return r.rdb.Key("creds", id) }
func (r *RedisRepository) credIndex() string           { return r.rdb.Key("creds", "_index") }
func (r *RedisRepository) configKey(id string) string  { return r.rdb.Key("config", id) }
func (r *RedisRepository) configIndex() string         { return r.rdb.Key("config", "_index") }
func (r *RedisRepository) accountKey(ph string) string { return r.rdb.Key("account", ph) }

// -- Session credentials --

func (r *RedisRepository) PutCredential(ctx context.Context, sessionID string, creds []byte) error {
	doc := SessionCredential{SessionID: sessionID, Creds: creds, LastUpdated: time.Now().UTC()}
	if err := r.rdb.SetJSONIndexed(ctx, r.credKey(sessionID), r.credIndex(), sessionID, doc); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (r *RedisRepository) GetCredential(ctx context.Context, sessionID string) (*SessionCredential, error) {
	var doc SessionCredential
	found, err := r.rdb.GetJSON(ctx, r.credKey(sessionID), &doc)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (r *RedisRepository) ListCredentials(ctx context.Context) ([]SessionCredential, error) {
	ids, err := r.rdb.Members(ctx, r.credIndex())
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	sort.Strings(ids)
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.credKey(id))
	}

	records := []SessionCredential{}
	err = r.rdb.MGetJSON(ctx, keys, func(data []byte) error {
		var doc SessionCredential
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode credential: %w", err)
		}
		records = append(records, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return records, nil
}

func (r *RedisRepository) DeleteCredential(ctx context.Context, sessionID string) error {
	if err := r.rdb.DeleteIndexed(ctx, r.credKey(sessionID), r.credIndex(), sessionID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *RedisRepository) CountCredentials(ctx context.Context) (int, error) {
	n, err := r.rdb.Client().SCard(ctx, r.credIndex()).Result()
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return int(n), nil
}

// -- User configs --

func (r *RedisRepository) GetConfig(ctx context.Context, userID string) (*UserConfig, error) {
	var cfg UserConfig
	found, err := r.rdb.GetJSON(ctx, r.configKey(userID), &cfg)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if cfg.AuthorizedUsers == nil {
		cfg.AuthorizedUsers = []string{}
	}
	return &cfg, nil
}

func (r *RedisRepository) CreateConfigIfAbsent(ctx context.Context, cfg UserConfig) (*UserConfig, error) {
	cfg.LastUpdated = time.Now().UTC()
	if cfg.AuthorizedUsers == nil {
		cfg.AuthorizedUsers = []string{}
	}
	if _, err := r.rdb.SetJSONIfAbsent(ctx, r.configKey(cfg.UserID), r.configIndex(), cfg.UserID, cfg); err != nil {
		return nil, fmt.Errorf("create config: %w", err)
	}
	return r.GetConfig(ctx, cfg.UserID)
}

func (r *RedisRepository) SaveConfig(ctx context.Context, cfg UserConfig) error {
	if cfg.AuthorizedUsers == nil {
		cfg.AuthorizedUsers = []string{}
	}
	if err := r.rdb.SetJSONIndexed(ctx, r.configKey(cfg.UserID), r.configIndex(), cfg.UserID, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (r *RedisRepository) DeleteConfig(ctx context.Context, userID string) error {
	if err := r.rdb.DeleteIndexed(ctx, r.configKey(userID), r.configIndex(), userID); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

func (r *RedisRepository) ListConfigs(ctx context.Context) ([]UserConfig, error) {
	ids, err := r.rdb.Members(ctx, r.configIndex())
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	sort.Strings(ids)
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.configKey(id))
	}

	configs := []UserConfig{}
	err = r.rdb.MGetJSON(ctx, keys, func(data []byte) error {
		var cfg UserConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		configs = append(configs, cfg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	return configs, nil
}

func (r *RedisRepository) CountConfigs(ctx context.Context) (int, error) {
	n, err := r.rdb.Client().SCard(ctx, r.configIndex()).Result()
	if err != nil {
		return 0, fmt.Errorf("count configs: %w", err)
	}
	return int(n), nil
}

// -- Accounts --

// Script results: 0 applied, 1 already applied, 2 insufficient, -1 missing.
var (
	createAccountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'username', ARGV[2], 'phone_number', ARGV[3],
  'credits', ARGV[4], 'initial_charge_applied', '0', 'created_at', ARGV[5], 'updated_at', ARGV[5])
return 1
`)
	initialChargeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'initial_charge_applied') == '1' then return 1 end
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits'))
local amount = tonumber(ARGV[1])
if credits < amount then return 2 end
local left = credits - amount
if left < 0 then left = 0 end
redis.call('HSET', KEYS[1], 'credits', string.format('%d', left), 'initial_charge_applied', '1',
  'last_charge_time', ARGV[2], 'updated_at', ARGV[3])
return 0
`)
	periodicChargeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits'))
local amount = tonumber(ARGV[1])
if credits < amount then return 2 end
local left = credits - amount
if left < 0 then left = 0 end
redis.call('HSET', KEYS[1], 'credits', string.format('%d', left), 'last_charge_time', ARGV[2], 'updated_at', ARGV[3])
return 0
`)
	resetInitialScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'initial_charge_applied', '0', 'updated_at', ARGV[1])
return 0
`)
	addCreditsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HINCRBY', KEYS[1], 'credits', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 0
`)
)

func (r *RedisRepository) CreateAccount(ctx context.Context, acc Account) (*Account, error) {
	now := formatTime(time.Now())
	created, err := createAccountScript.Run(ctx, r.rdb.Client(), []string{r.accountKey(acc.PhoneNumber)},
		uuid.NewString(), acc.Username, acc.PhoneNumber, acc.Credits, now).Int()
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if created == 0 {
		return nil, fmt.Errorf("create account: phone %s already registered", acc.PhoneNumber)
	}
	return r.GetAccountByPhone(ctx, acc.PhoneNumber)
}

func (r *RedisRepository) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	fields, err := r.rdb.Client().HGetAll(ctx, r.accountKey(phone)).Result()
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	acc, err := accountFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (r *RedisRepository) ApplyInitialCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	code, err := initialChargeScript.Run(ctx, r.rdb.Client(), []string{r.accountKey(phone)},
		amount, formatTime(at), formatTime(time.Now())).Int()
	if err != nil {
		return ChargeInsufficient, fmt.Errorf("apply initial charge: %w", err)
	}
	return outcomeFromCode(code)
}

func (r *RedisRepository) ApplyPeriodicCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	code, err := periodicChargeScript.Run(ctx, r.rdb.Client(), []string{r.accountKey(phone)},
		amount, formatTime(at), formatTime(time.Now())).Int()
	if err != nil {
		return ChargeInsufficient, fmt.Errorf("apply periodic charge: %w", err)
	}
	return outcomeFromCode(code)
}

func (r *RedisRepository) ResetInitialCharge(ctx context.Context, phone string) error {
	code, err := resetInitialScript.Run(ctx, r.rdb.Client(), []string{r.accountKey(phone)}, formatTime(time.Now())).Int()
	if err != nil {
		return fmt.Errorf("reset initial charge: %w", err)
	}
	if code < 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisRepository) AddCredits(ctx context.Context, phone string, amount int64) (*Account, error) {
	code, err := addCreditsScript.Run(ctx, r.rdb.Client(), []string{r.accountKey(phone)}, amount, formatTime(time.Now())).Int()
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}
	if code < 0 {
		return nil, ErrNotFound
	}
	return r.GetAccountByPhone(ctx, phone)
}

func outcomeFromCode(code int) (ChargeOutcome, error) {
	switch code {
	case 0:
		return ChargeApplied, nil
	case 1:
		return ChargeAlreadyApplied, nil
	case 2:
		return ChargeInsufficient, nil
	case -1:
		return ChargeInsufficient, ErrNotFound
	default:
		return ChargeInsufficient, fmt.Errorf("unexpected charge script result %d", code)
	}
}

func accountFromHash(fields map[string]string) (*Account, error) {
	credits, err := strconv.ParseInt(fields["credits"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse credits: %w", err)
	}
	acc := &Account{
		ID:                   fields["id"],
		Username:             fields["username"],
		PhoneNumber:          fields["phone_number"],
		Credits:              credits,
		InitialChargeApplied: fields["initial_charge_applied"] == "1",
	}
	if acc.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if acc.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	if raw := fields["last_charge_time"]; raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		acc.LastChargeTime = &t
	}
	return acc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New("parse timestamp " + strconv.Quote(raw))
	}
	return t, nil
}
