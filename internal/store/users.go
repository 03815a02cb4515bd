// Package store holds C3 (users), C4 (sessions), and C5 (connections) — the
// session/connection registry that is ~30% of the system by spec.md's
// component shares. Each store takes a bare publish function rather than a
// reference to the bus itself, so the event bus never holds a reference
// back into the stores that use it (design notes: avoid cyclic object
// graphs by passing a publish function into the store).
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gateway/internal/apierr"
	"gateway/internal/auth"
	"gateway/internal/kv"
	"gateway/internal/models"
	"gateway/internal/pubsub"
)

// PublishFunc is the narrow dependency every store takes instead of a bus
// reference.
type PublishFunc func(ctx context.Context, eventType pubsub.EventType, userID string, data interface{}) error

// LocalCloseFunc force-closes userID's socket on this replica only, if one
// is held here, and reports whether anything was closed. It exists because
// the pub/sub bus suppresses delivery of a node's own publications (to
// avoid a publisher re-triggering its own side effects) — which means a
// login/logout/account-deletion handled on the same replica that holds the
// affected user's live WebSocket would otherwise never see its own
// session.logout/user.inactive_cleanup/account.deleted event. Calling this
// alongside publish covers that same-replica case directly; other replicas
// still learn of it through the bus.
type LocalCloseFunc func(userID, reason string) bool

func userKey(username string) string { return "users:" + username }

// UserStore is C3: CRUD over user records, backed by the KV with a local
// read-through cache kept consistent via pub/sub.
type UserStore struct {
	kv         *kv.Store
	bcrypt     *auth.BcryptPool
	cred       *auth.CredentialService
	publish    PublishFunc
	localClose LocalCloseFunc

	sessions    *SessionStore
	connections *ConnectionTracker

	cacheMu sync.RWMutex
	cache   map[string]*models.User
}

func NewUserStore(store *kv.Store, bcryptPool *auth.BcryptPool, cred *auth.CredentialService, publish PublishFunc, localClose LocalCloseFunc, sessions *SessionStore, connections *ConnectionTracker) *UserStore {
	return &UserStore{
		kv:          store,
		bcrypt:      bcryptPool,
		cred:        cred,
		publish:     publish,
		localClose:  localClose,
		sessions:    sessions,
		connections: connections,
		cache:       make(map[string]*models.User),
	}
}

// closeLocal is a nil-safe wrapper: tests and any caller that doesn't wire
// a WebSocket hub pass a nil LocalCloseFunc.
func (s *UserStore) closeLocal(userID, reason string) {
	if s.localClose != nil {
		s.localClose(userID, reason)
	}
}

// OnUserEvent feeds cache-consistency updates from the bus: insert/update on
// register, evict on delete. Advisory only — the KV remains authoritative.
func (s *UserStore) OnUserEvent(evt pubsub.Event) {
	switch evt.Type {
	case pubsub.EventUserRegistered:
		var u models.User
		if err := json.Unmarshal(evt.Data, &u); err == nil {
			s.cacheMu.Lock()
			s.cache[u.Username] = &u
			s.cacheMu.Unlock()
		}
	case pubsub.EventUserDeleted, pubsub.EventAccountDeleted:
		s.cacheMu.Lock()
		delete(s.cache, evt.UserID)
		s.cacheMu.Unlock()
	}
}

// Register refuses an existing username, hashes the password, and persists
// the record with no TTL (user records are durable; only derived state
// carries a TTL).
func (s *UserStore) Register(ctx context.Context, username, contact, password string) error {
	if username == "" {
		return apierr.Validation("username is required")
	}

	existing, err := s.lookup(ctx, username)
	if err != nil {
		return apierr.Internal("lookup user", err)
	}
	if existing != nil {
		return apierr.Conflict("username already registered")
	}

	hash, err := s.bcrypt.HashPassword(ctx, password)
	if err != nil {
		return apierr.Validation(err.Error())
	}

	user := &models.User{
		Username:     username,
		Contact:      contact,
		PasswordHash: hash,
		Role:         models.RoleUser,
		CreatedAt:    time.Now(),
	}

	if err := s.persist(ctx, user); err != nil {
		return apierr.Internal("persist user", err)
	}

	s.cacheMu.Lock()
	s.cache[username] = user
	s.cacheMu.Unlock()

	data, _ := json.Marshal(user)
	_ = s.publish(ctx, pubsub.EventUserRegistered, username, json.RawMessage(data))

	return nil
}

// LoginResult mirrors the /sessions/login response shape.
type LoginResult struct {
	Token     string
	ExpiresIn int
	Role      models.Role
	SessionID string
}

// Login verifies credentials, stamps last-login, destroys any prior
// session/connection for this user (publishing an implicit-logout event so
// other replicas close sockets), then creates a fresh session and tracks a
// non-WS connection — all as one logical, non-interleaved operation per
// user.
func (s *UserStore) Login(ctx context.Context, username, password string, gatewayID string) (*LoginResult, error) {
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, apierr.Internal("lookup user", err)
	}
	if user == nil {
		return nil, apierr.Auth("invalid username or password")
	}

	if err := s.bcrypt.CheckPassword(ctx, password, user.PasswordHash); err != nil {
		return nil, apierr.Auth("invalid username or password")
	}

	user.LastLogin = time.Now()
	if err := s.persist(ctx, user); err != nil {
		return nil, apierr.Internal("persist user", err)
	}

	// Destroy any prior session/connection for this user before creating
	// the new one, so at most one active session per user ever exists.
	if prior, err := s.connections.Get(ctx, username); err == nil && prior != nil {
		_ = s.sessions.CleanupUserSessions(ctx, username)
		_ = s.connections.Remove(ctx, username)
		_ = s.publish(ctx, pubsub.EventSessionLogout, username, pubsub.LogoutData{
			SessionID: prior.SessionID,
			Reason:    "new_login",
		})
		s.closeLocal(username, "Session ended")
	}

	session, sessionID, err := s.sessions.GetOrCreate(ctx, username, "", "")
	if err != nil {
		return nil, apierr.Internal("create session", err)
	}
	_ = session

	if err := s.connections.Track(ctx, username, sessionID, gatewayID, false); err != nil {
		return nil, apierr.Internal("track connection", err)
	}

	token, err := s.cred.Issue(username, user.Role)
	if err != nil {
		return nil, apierr.Internal("issue token", err)
	}

	return &LoginResult{
		Token:     token,
		ExpiresIn: s.cred.ExpirySeconds(),
		Role:      user.Role,
		SessionID: sessionID,
	}, nil
}

// Logout removes the connection and publishes a logout event.
func (s *UserStore) Logout(ctx context.Context, username, sessionID string) error {
	if err := s.connections.Remove(ctx, username); err != nil {
		return apierr.Internal("remove connection", err)
	}
	err := s.publish(ctx, pubsub.EventSessionLogout, username, pubsub.LogoutData{
		SessionID: sessionID,
		Reason:    "logout",
	})
	s.closeLocal(username, "Session ended")
	return err
}

// DeleteAccount destroys the user, sweeps all its sessions, and removes the
// connection.
func (s *UserStore) DeleteAccount(ctx context.Context, username string) error {
	if err := s.kv.Delete(ctx, userKey(username)); err != nil {
		return apierr.Internal("delete user", err)
	}
	_ = s.sessions.CleanupUserSessions(ctx, username)
	_ = s.connections.Remove(ctx, username)

	s.cacheMu.Lock()
	delete(s.cache, username)
	s.cacheMu.Unlock()

	err := s.publish(ctx, pubsub.EventAccountDeleted, username, nil)
	s.closeLocal(username, "Account inactive")
	return err
}

// Get is the read-through cache lookup.
func (s *UserStore) Get(ctx context.Context, username string) (*models.User, error) {
	return s.lookup(ctx, username)
}

func (s *UserStore) lookup(ctx context.Context, username string) (*models.User, error) {
	s.cacheMu.RLock()
	if u, ok := s.cache[username]; ok {
		s.cacheMu.RUnlock()
		return u, nil
	}
	s.cacheMu.RUnlock()

	fields, err := s.kv.HGetAll(ctx, userKey(username))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	user := fieldsToUser(fields)

	s.cacheMu.Lock()
	s.cache[username] = user
	s.cacheMu.Unlock()

	return user, nil
}

func (s *UserStore) persist(ctx context.Context, user *models.User) error {
	fields := map[string]interface{}{
		"username":      user.Username,
		"contact":       user.Contact,
		"password_hash": user.PasswordHash,
		"role":          string(user.Role),
		"last_login":    user.LastLogin.Format(time.RFC3339),
		"created_at":    user.CreatedAt.Format(time.RFC3339),
	}
	return s.kv.HSet(ctx, userKey(user.Username), fields)
}

func fieldsToUser(fields map[string]string) *models.User {
	u := &models.User{
		Username:     fields["username"],
		Contact:      fields["contact"],
		PasswordHash: fields["password_hash"],
		Role:         models.Role(fields["role"]),
	}
	if t, err := time.Parse(time.RFC3339, fields["last_login"]); err == nil {
		u.LastLogin = t
	}
	if t, err := time.Parse(time.RFC3339, fields["created_at"]); err == nil {
		u.CreatedAt = t
	}
	return u
}

// ScanUsernames lists every username with a user record, for the reaper's
// inactive-users sweep.
func (s *UserStore) ScanUsernames(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Scan(ctx, "users:*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len("users:"):])
	}
	return out, nil
}

// MarkInactiveCleanup publishes the event that tells every replica with a
// live socket for this (now-purged) user to close it, and closes it
// immediately if this replica (the one running the reaper sweep) happens to
// hold it.
func (s *UserStore) MarkInactiveCleanup(ctx context.Context, username string) error {
	err := s.publish(ctx, pubsub.EventUserInactiveCleanup, username, nil)
	s.closeLocal(username, "Account inactive")
	return err
}
