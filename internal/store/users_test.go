package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"gateway/internal/auth"
	"gateway/internal/kv"
	"gateway/internal/pubsub"
)

func noopPublish(ctx context.Context, eventType pubsub.EventType, userID string, data interface{}) error {
	return nil
}

func newUserTestHarness(t *testing.T) (*UserStore, *SessionStore, *ConnectionTracker) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kvStore, err := kv.New("redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	sessions := NewSessionStore(kvStore, noopPublish, DefaultSessionConfig())
	connections := NewConnectionTracker(kvStore, noopPublish, DefaultConnectionConfig())
	bcryptPool := auth.NewBcryptPool(auth.DefaultPoolConfig())
	t.Cleanup(func() { _ = bcryptPool.Close() })
	cred := auth.NewCredentialService("test-secret", time.Hour)
	users := NewUserStore(kvStore, bcryptPool, cred, noopPublish, nil, sessions, connections)

	return users, sessions, connections
}

func TestUserStore_RegisterAndGet(t *testing.T) {
	users, _, _ := newUserTestHarness(t)
	ctx := context.Background()

	err := users.Register(ctx, "alice", "alice@example.com", "Hunter2pass")
	require.NoError(t, err)

	u, err := users.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "alice", u.Username)
	require.NotEmpty(t, u.PasswordHash)
	require.NotEqual(t, "Hunter2pass", u.PasswordHash)
}

func TestUserStore_RegisterDuplicateConflicts(t *testing.T) {
	users, _, _ := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Password1"))
	err := users.Register(ctx, "alice", "a2@example.com", "Password2")
	require.Error(t, err)
}

func TestUserStore_LoginSuccess(t *testing.T) {
	users, sessions, connections := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Hunter2pass"))

	result, err := users.Login(ctx, "alice", "Hunter2pass", "gw-1")
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
	require.NotEmpty(t, result.SessionID)

	sess, err := sessions.Get(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "alice", sess.UserID)

	conn, err := connections.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, "gw-1", conn.GatewayID)
}

func TestUserStore_LoginWrongPassword(t *testing.T) {
	users, _, _ := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Hunter2pass"))

	_, err := users.Login(ctx, "alice", "wrong", "gw-1")
	require.Error(t, err)
}

func TestUserStore_LoginUnknownUser(t *testing.T) {
	users, _, _ := newUserTestHarness(t)
	_, err := users.Login(context.Background(), "nobody", "pw", "gw-1")
	require.Error(t, err)
}

func TestUserStore_LoginDestroysPriorSession(t *testing.T) {
	users, sessions, connections := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Hunter2pass"))

	first, err := users.Login(ctx, "alice", "Hunter2pass", "gw-1")
	require.NoError(t, err)

	second, err := users.Login(ctx, "alice", "Hunter2pass", "gw-2")
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	oldSess, err := sessions.Get(ctx, first.SessionID)
	require.NoError(t, err)
	require.Nil(t, oldSess)

	conn, err := connections.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "gw-2", conn.GatewayID)
}

func TestUserStore_Logout(t *testing.T) {
	users, _, connections := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Hunter2pass"))
	result, err := users.Login(ctx, "alice", "Hunter2pass", "gw-1")
	require.NoError(t, err)

	require.NoError(t, users.Logout(ctx, "alice", result.SessionID))

	conn, err := connections.Get(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestUserStore_DeleteAccount(t *testing.T) {
	users, sessions, connections := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Hunter2pass"))
	result, err := users.Login(ctx, "alice", "Hunter2pass", "gw-1")
	require.NoError(t, err)

	require.NoError(t, users.DeleteAccount(ctx, "alice"))

	u, err := users.Get(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, u)

	sess, err := sessions.Get(ctx, result.SessionID)
	require.NoError(t, err)
	require.Nil(t, sess)

	conn, err := connections.Get(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestUserStore_ScanUsernames(t *testing.T) {
	users, _, _ := newUserTestHarness(t)
	ctx := context.Background()

	require.NoError(t, users.Register(ctx, "alice", "a@example.com", "Password1"))
	require.NoError(t, users.Register(ctx, "bob", "b@example.com", "Password1"))

	names, err := users.ScanUsernames(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}
