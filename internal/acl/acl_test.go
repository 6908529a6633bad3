package acl

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticCatalog map[string]string

func (c staticCatalog) RequiredGroup(command string) (string, bool) {
	g, ok := c[command]
	return g, ok
}

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "acl.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, catalog staticCatalog) (*Engine, *SQLStore) {
	t.Helper()
	s := openTestStore(t)
	return NewEngine(s, catalog, zaptest.NewLogger(t)), s
}

const (
	alice = "alice!a@host.example"
	bob   = "bob!b@host.example"
)

func TestAuthorizeGroupGrantFlips(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{"deploy": "ops"})

	require.NoError(t, e.Grant(ctx, alice, "deploy"))

	ok, err := e.Authorize(ctx, alice, "deploy")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Authorize(ctx, bob, "deploy")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.GroupAdd(ctx, bob, "releasers"))
	require.NoError(t, e.Grant(ctx, "releasers", "deploy"))

	ok, err = e.Authorize(ctx, bob, "deploy")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, e.GroupDel(ctx, bob, "releasers"))
	ok, err = e.Authorize(ctx, bob, "deploy")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthorizePublicAndRegisteredGroup(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{"weather": "", "deploy": "ops"})

	ok, err := e.Authorize(ctx, bob, "weather")
	require.NoError(t, err)
	assert.True(t, ok, "public command")

	ok, err = e.Authorize(ctx, bob, "unregistered")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.GroupAdd(ctx, bob, "ops"))
	ok, err = e.Authorize(ctx, bob, "deploy")
	require.NoError(t, err)
	assert.True(t, ok, "member of the command's own group")

	// membership in a registered group only helps the commands registered with it
	ok, err = e.Authorize(ctx, bob, "unregistered")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthorizeIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{"deploy": "ops"})

	require.NoError(t, e.Grant(ctx, "Alice!A@Host.Example", "Deploy"))
	ok, err := e.Authorize(ctx, "ALICE!a@HOST.example", "deploy")
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingStore struct{ Store }

func (failingStore) HasGrant(context.Context, string, string) (bool, error) {
	return false, errors.New("database is gone")
}

func TestAuthorizeStoreFailure(t *testing.T) {
	e := NewEngine(failingStore{}, staticCatalog{"deploy": "ops"}, zaptest.NewLogger(t))
	ok, err := e.Authorize(context.Background(), alice, "deploy")
	assert.Error(t, err)
	assert.False(t, ok)

	// public commands never touch the store
	e = NewEngine(failingStore{}, staticCatalog{"weather": ""}, zaptest.NewLogger(t))
	ok, err = e.Authorize(context.Background(), alice, "weather")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForgetAllMatchesWholeNick(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{})

	require.NoError(t, e.Grant(ctx, alice, "deploy"))
	require.NoError(t, e.GroupAdd(ctx, "alice!other@elsewhere", "ops"))
	require.NoError(t, e.Grant(ctx, "alicebob!x@h", "deploy"))

	require.NoError(t, e.ForgetAll(ctx, "Alice"))

	held, err := e.List(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, held)

	held, err = e.List(ctx, "alice!other@elsewhere")
	require.NoError(t, err)
	assert.Empty(t, held)

	held, err = e.List(ctx, "alicebob!x@h")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy"}, held)

	assert.ErrorIs(t, e.ForgetAll(ctx, "alice"), ErrNotFound)
}

func TestForgetAllEscapesPatternCharacters(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{})

	require.NoError(t, e.Grant(ctx, "abc!x@h", "deploy"))
	assert.ErrorIs(t, e.ForgetAll(ctx, "a_c"), ErrNotFound)
	assert.ErrorIs(t, e.ForgetAll(ctx, "a%"), ErrNotFound)

	held, err := e.List(ctx, "abc!x@h")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy"}, held)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{"deploy": "ops"})

	require.NoError(t, e.Grant(ctx, alice, "deploy"))
	require.NoError(t, e.GroupAdd(ctx, alice, "ops"))

	moved := "alice!a@new.host"
	require.NoError(t, e.Rename(ctx, "alice", moved))

	held, err := e.List(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "ops"}, held)

	ok, err := e.Authorize(ctx, alice, "deploy")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenameMergesSharedEntries(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{"deploy": "ops"})

	old, moved := "alice!a@old.host", "alice!a@new.host"
	for _, id := range []string{old, moved, "alice!a@third.host"} {
		require.NoError(t, e.Grant(ctx, id, "deploy"))
		require.NoError(t, e.GroupAdd(ctx, id, "ops"))
	}
	require.NoError(t, e.Grant(ctx, old, "restart"))
	require.NoError(t, e.Grant(ctx, "alicebob!x@h", "deploy"))

	require.NoError(t, e.Rename(ctx, "alice", moved))

	held, err := e.List(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "ops", "restart"}, held)

	for _, id := range []string{old, "alice!a@third.host"} {
		held, err := e.List(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, held, id)
	}

	held, err = e.List(ctx, "alicebob!x@h")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy"}, held)

	// the merged rows are single rows: one revoke removes the grant
	require.NoError(t, e.Revoke(ctx, moved, "deploy"))
	ok, err := e.Authorize(ctx, moved, "deploy")
	require.NoError(t, err)
	assert.True(t, ok, "still allowed through group ops")
	require.NoError(t, e.GroupDel(ctx, moved, "ops"))
	ok, err = e.Authorize(ctx, moved, "deploy")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListAndIsGroup(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{})

	held, err := e.List(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, held)

	require.NoError(t, e.Grant(ctx, alice, "zap"))
	require.NoError(t, e.Grant(ctx, alice, "deploy"))
	require.NoError(t, e.GroupAdd(ctx, alice, "ops"))

	held, err = e.List(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "ops", "zap"}, held)

	isGroup, err := e.IsGroup(ctx, "OPS")
	require.NoError(t, err)
	assert.True(t, isGroup)

	isGroup, err = e.IsGroup(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, isGroup)
}

func TestMutationErrors(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, staticCatalog{})

	require.NoError(t, e.Grant(ctx, alice, "deploy"))
	assert.Error(t, e.Grant(ctx, alice, "deploy"), "duplicate grant")

	assert.ErrorIs(t, e.Revoke(ctx, bob, "deploy"), ErrNotFound)
	assert.ErrorIs(t, e.GroupDel(ctx, bob, "ops"), ErrNotFound)

	require.NoError(t, e.Revoke(ctx, alice, "deploy"))
	ok, err := e.Authorize(ctx, alice, "deploy")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreReopensAfterClose(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.AddGrant(ctx, "deploy", alice))

	// a closed pool fails its probe and is replaced
	s.mu.RLock()
	s.db.Close()
	s.mu.RUnlock()

	require.NoError(t, s.Probe(ctx))
	ok, err := s.HasGrant(ctx, "deploy", alice)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNickPattern(t *testing.T) {
	assert.Equal(t, "alice!%", nickPattern("alice"))
	assert.Equal(t, "a|_c!%", nickPattern("a_c"))
	assert.Equal(t, "a|%||!%", nickPattern("a%|"))
}
