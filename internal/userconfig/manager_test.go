package userconfig

import (
	"context"
	"errors"
	"testing"

	"malvin-lite/internal/config"
	"malvin-lite/internal/logging"
	"malvin-lite/internal/repo"
	"malvin-lite/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) repo.Store {
	t.Helper()
	ctx := context.Background()
	lite, err := repo.NewSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, lite.RunMigrations(ctx, migrations.Files))
	t.Cleanup(lite.Close)
	return lite
}

type brokenConfigs struct{ err error }

func (b brokenConfigs) GetConfig(context.Context, string) (*repo.UserConfig, error) {
	return nil, b.err
}
func (b brokenConfigs) CreateConfigIfAbsent(context.Context, repo.UserConfig) (*repo.UserConfig, error) {
	return nil, b.err
}
func (b brokenConfigs) SaveConfig(context.Context, repo.UserConfig) error { return b.err }
func (b brokenConfigs) DeleteConfig(context.Context, string) error { return b.err }
func (b brokenConfigs) ListConfigs(context.Context) ([]repo.UserConfig, error) { return nil, b.err }
func (b brokenConfigs) CountConfigs(context.Context) (int, error) { return 0, b.err }

func ptr[T any](v T) *T { return &v }

func TestGetCreatesDurableDefault(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store, config.UserDefaults{Prefix: "!"}, logging.Discard(), nil)
	ctx := context.Background()

	first, err := mgr.Get(ctx, "new-user", Patch{})
	require.NoError(t, err)
	assert.Equal(t, "!", first.Prefix)
	assert.Equal(t, repo.BotModePublic, first.BotMode)
	assert.True(t, first.AutoStatusSeen)
	assert.Equal(t, DefaultAutoStatusMsg, first.AutoStatusMsg)

	n, err := mgr.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mgr.defaults.Prefix = "#"
	second, err := mgr.Get(ctx, "new-user", Patch{})
	require.NoError(t, err)
	assert.Equal(t, "!", second.Prefix)
}

func TestDefaultPrecedence(t *testing.T) {
	mgr := NewManager(brokenConfigs{}, config.UserDefaults{
		Prefix:          "!",
		BotMode:         "private",
		AutoStatusReact: ptr(true),
	}, logging.Discard(), nil)

	cfg := mgr.Default("u1", Patch{Prefix: ptr("/")})
	assert.Equal(t, "/", cfg.Prefix)
	assert.Equal(t, repo.BotModePrivate, cfg.BotMode)
	assert.True(t, cfg.AutoStatusReact)
	assert.False(t, cfg.AutoStatusReply)
	assert.Equal(t, []string{}, cfg.AuthorizedUsers)

	bare := NewManager(brokenConfigs{}, config.UserDefaults{}, logging.Discard(), nil).Default("u2", Patch{})
	assert.Equal(t, DefaultPrefix, bare.Prefix)
	assert.Equal(t, DefaultBotMode, bare.BotMode)
}

func TestGetFallsBackOnStorageFailure(t *testing.T) {
	mgr := NewManager(brokenConfigs{err: errors.New("db down")}, config.UserDefaults{Prefix: "!"}, logging.Discard(), nil)

	cfg, err := mgr.Get(context.Background(), "u1", Patch{})
	assert.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "!", cfg.Prefix)
	assert.Equal(t, "u1", cfg.UserID)
}

func TestUpdateMergesProvidedFields(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store, config.UserDefaults{}, logging.Discard(), nil)
	ctx := context.Background()

	mode := repo.BotModePrivate
	updated, err := mgr.Update(ctx, "u1", Patch{
		BotMode:         &mode,
		AuthorizedUsers: &[]string{"628222"},
	})
	require.NoError(t, err)
	assert.Equal(t, repo.BotModePrivate, updated.BotMode)
	assert.Equal(t, DefaultPrefix, updated.Prefix)

	updated, err = mgr.Update(ctx, "u1", Patch{Prefix: ptr("#")})
	require.NoError(t, err)
	assert.Equal(t, "#", updated.Prefix)
	assert.Equal(t, []string{"628222"}, updated.AuthorizedUsers)

	stored, err := store.GetConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "#", stored.Prefix)
	assert.Equal(t, repo.BotModePrivate, stored.BotMode)
}

func TestUpdateFailsWhenStoreDown(t *testing.T) {
	mgr := NewManager(brokenConfigs{err: errors.New("db down")}, config.UserDefaults{}, logging.Discard(), nil)

	cfg, err := mgr.Update(context.Background(), "u1", Patch{Prefix: ptr("#")})
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestDeleteAndList(t *testing.T) {
	store := newStore(t)
	mgr := NewManager(store, config.UserDefaults{}, logging.Discard(), nil)
	ctx := context.Background()

	_, err := mgr.Get(ctx, "u1", Patch{})
	require.NoError(t, err)
	_, err = mgr.Get(ctx, "u2", Patch{})
	require.NoError(t, err)

	all, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ok, err := mgr.Delete(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = mgr.Delete(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	broken := NewManager(brokenConfigs{err: errors.New("down")}, config.UserDefaults{}, logging.Discard(), nil)
	all, err = broken.List(ctx)
	assert.Error(t, err)
	assert.Empty(t, all)
}

func TestAuthorized(t *testing.T) {
	public := &repo.UserConfig{UserID: "628100", BotMode: repo.BotModePublic}
	assert.True(t, Authorized(public, "628999"))

	private := &repo.UserConfig{UserID: "628100", BotMode: repo.BotModePrivate, AuthorizedUsers: []string{"628222"}}
	assert.True(t, Authorized(private, "628100"))
	assert.True(t, Authorized(private, "628222"))
	assert.False(t, Authorized(private, "628999"))
}
