package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"malvin-lite/internal/cache"
	"malvin-lite/internal/logging"
	"malvin-lite/migrations"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	lite, err := NewSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, lite.RunMigrations(ctx, migrations.Files))
	t.Cleanup(lite.Close)
	return lite
}

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := cache.New(cache.Config{Addr: mr.Addr(), Prefix: "malvin-test"}, logging.Discard())
	store := NewRedis(rdb, logging.Discard())
	t.Cleanup(store.Close)
	return store
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	backends := map[string]func(*testing.T) Store{
		"sqlite": newSQLiteStore,
		"redis":  newRedisStore,
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, Instrument(build(t), time.Second, nil))
		})
	}
}

func TestCredentialUpsertAndIdempotentDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.PutCredential(ctx, "628111", []byte(`{"a":1}`)))
		require.NoError(t, store.PutCredential(ctx, "628111", []byte(`{"b":2}`)))

		got, err := store.GetCredential(ctx, "628111")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"b":2}`), got.Creds)
		assert.False(t, got.LastUpdated.IsZero())

		n, err := store.CountCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, store.DeleteCredential(ctx, "628111"))
		require.NoError(t, store.DeleteCredential(ctx, "628111"))

		_, err = store.GetCredential(ctx, "628111")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListCredentialsEmptyAndBinary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		all, err := store.ListCredentials(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.NotNil(t, all)

		blob := []byte{0x00, 0xff, 'S', 'Q', 'L'}
		require.NoError(t, store.PutCredential(ctx, "b", blob))
		require.NoError(t, store.PutCredential(ctx, "a", []byte("text")))

		all, err = store.ListCredentials(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].SessionID)
		assert.Equal(t, "b", all[1].SessionID)
		assert.Equal(t, blob, all[1].Creds)
	})
}

func TestConfigCreateIfAbsentKeepsExisting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.GetConfig(ctx, "u1")
		assert.ErrorIs(t, err, ErrNotFound)

		first, err := store.CreateConfigIfAbsent(ctx, UserConfig{UserID: "u1", Prefix: ".", BotMode: BotModePublic})
		require.NoError(t, err)
		assert.Equal(t, ".", first.Prefix)
		assert.Equal(t, []string{}, first.AuthorizedUsers)

		second, err := store.CreateConfigIfAbsent(ctx, UserConfig{UserID: "u1", Prefix: "!", BotMode: BotModePublic})
		require.NoError(t, err)
		assert.Equal(t, ".", second.Prefix)
	})
}

func TestConfigSaveListCountDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		pin := "1234"

		require.NoError(t, store.SaveConfig(ctx, UserConfig{
			UserID:             "u2",
			Prefix:             "#",
			AutoStatusReact:    true,
			AutoStatusMsg:      "seen",
			BotMode:            BotModePrivate,
			AuthorizedUsers:    []string{"628222", "628333"},
			PrivateModePinCode: &pin,
			LastUpdated:        time.Now(),
		}))
		require.NoError(t, store.SaveConfig(ctx, UserConfig{UserID: "u1", Prefix: ".", BotMode: BotModePublic, LastUpdated: time.Now()}))

		got, err := store.GetConfig(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, BotModePrivate, got.BotMode)
		assert.True(t, got.AutoStatusReact)
		assert.Equal(t, []string{"628222", "628333"}, got.AuthorizedUsers)
		require.NotNil(t, got.PrivateModePinCode)
		assert.Equal(t, "1234", *got.PrivateModePinCode)

		all, err := store.ListConfigs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "u1", all[0].UserID)

		n, err := store.CountConfigs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, store.DeleteConfig(ctx, "u2"))
		require.NoError(t, store.DeleteConfig(ctx, "u2"))
		n, err = store.CountConfigs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestAccountCharges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now()

		acc, err := store.CreateAccount(ctx, Account{Username: "malvin", PhoneNumber: "628100", Credits: 40})
		require.NoError(t, err)
		assert.NotEmpty(t, acc.ID)
		assert.False(t, acc.InitialChargeApplied)
		assert.Nil(t, acc.LastChargeTime)

		outcome, err := store.ApplyInitialCharge(ctx, "628100", 30, now)
		require.NoError(t, err)
		assert.Equal(t, ChargeApplied, outcome)

		outcome, err = store.ApplyInitialCharge(ctx, "628100", 30, now)
		require.NoError(t, err)
		assert.Equal(t, ChargeAlreadyApplied, outcome)

		acc, err = store.GetAccountByPhone(ctx, "628100")
		require.NoError(t, err)
		assert.Equal(t, int64(10), acc.Credits)
		assert.True(t, acc.InitialChargeApplied)
		require.NotNil(t, acc.LastChargeTime)

		outcome, err = store.ApplyPeriodicCharge(ctx, "628100", 25, now)
		require.NoError(t, err)
		assert.Equal(t, ChargeInsufficient, outcome)

		acc, err = store.AddCredits(ctx, "628100", 20)
		require.NoError(t, err)
		assert.Equal(t, int64(30), acc.Credits)

		outcome, err = store.ApplyPeriodicCharge(ctx, "628100", 25, now)
		require.NoError(t, err)
		assert.Equal(t, ChargeApplied, outcome)

		acc, err = store.GetAccountByPhone(ctx, "628100")
		require.NoError(t, err)
		assert.Equal(t, int64(5), acc.Credits)

		require.NoError(t, store.ResetInitialCharge(ctx, "628100"))
		acc, err = store.GetAccountByPhone(ctx, "628100")
		require.NoError(t, err)
		assert.False(t, acc.InitialChargeApplied)
	})
}

func TestAccountMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.GetAccountByPhone(ctx, "nobody")
		assert.True(t, errors.Is(err, ErrNotFound))

		_, err = store.ApplyPeriodicCharge(ctx, "nobody", 25, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.ApplyInitialCharge(ctx, "nobody", 30, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, store.ResetInitialCharge(ctx, "nobody"), ErrNotFound)

		_, err = store.AddCredits(ctx, "nobody", 10)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestChargeOutcomeString(t *testing.T) {
	assert.Equal(t, "charged", ChargeApplied.String())
	assert.Equal(t, "already_applied", ChargeAlreadyApplied.String())
	assert.Equal(t, "insufficient", ChargeInsufficient.String())
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "mongodb"}, logging.Discard())
	assert.Error(t, err)
}

func TestOpenSQLiteRunsMigrations(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Options{
		Backend:    "sqlite",
		SQLitePath: t.TempDir() + "/malvin.db",
		Migrations: migrations.Files,
		Timeout:    time.Second,
	}, logging.Discard())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, "sqlite", store.Backend())
	require.NoError(t, store.Ping(ctx))
	n, err := store.CountCredentials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
