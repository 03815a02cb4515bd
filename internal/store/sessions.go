package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gateway/internal/kv"
	"gateway/internal/models"
	"gateway/internal/pubsub"
)

func sessionKey(id string) string { return "sessions:" + id }

type cachedSession struct {
	session  *models.Session
	cachedAt time.Time
}

type throttleEntry struct {
	at time.Time
}

// SessionConfig holds C4's tunables, all named in spec.md §6's environment
// configuration table.
type SessionConfig struct {
	TTL                  time.Duration // session timeout
	CacheTTL             time.Duration // default 30s
	TouchThrottle        time.Duration // default 30s
	FlushInterval        time.Duration // default 100ms
	CacheCleanupInterval time.Duration // default 300s, prunes stale cache/throttle entries
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:                  1 * time.Hour,
		CacheTTL:             30 * time.Second,
		TouchThrottle:        30 * time.Second,
		FlushInterval:        100 * time.Millisecond,
		CacheCleanupInterval: 300 * time.Second,
	}
}

// SessionStore is C4: create/read/update session records with batched
// write-behind and a TTL-bounded local read cache.
type SessionStore struct {
	kv      *kv.Store
	publish PublishFunc
	cfg     SessionConfig

	cacheMu sync.RWMutex
	cache   map[string]cachedSession

	pendingMu sync.Mutex
	pending   map[string]map[string]interface{} // session_id -> partial update merge

	touchMu sync.Mutex
	touched map[string]time.Time // session_id -> last touch write

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSessionStore(store *kv.Store, publish PublishFunc, cfg SessionConfig) *SessionStore {
	s := &SessionStore{
		kv:      store,
		publish: publish,
		cfg:     cfg,
		cache:   make(map[string]cachedSession),
		pending: make(map[string]map[string]interface{}),
		touched: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	return s
}

// Run starts the batched writer and cache janitor; both exit cleanly on
// ctx cancellation.
func (s *SessionStore) Run(ctx context.Context) {
	go s.batchWriter(ctx)
	go s.cacheJanitor(ctx)
}

// Stop signals background loops to exit and returns at once; it does not
// wait for them to finish.
func (s *SessionStore) Stop() {
	close(s.stopCh)
}

// GetOrCreate returns the session for sessionID if found (cache or KV);
// otherwise mints a new UUID session and persists it, publishing
// session.new.
func (s *SessionStore) GetOrCreate(ctx context.Context, userID, chatID, sessionID string) (*models.Session, string, error) {
	if sessionID != "" {
		if sess, err := s.get(ctx, sessionID); err == nil && sess != nil {
			return sess, sessionID, nil
		}
	}

	newID := uuid.NewString()
	now := time.Now()
	sess := &models.Session{
		ID:         newID,
		UserID:     userID,
		ChatID:     chatID,
		Data:       map[string]interface{}{"conversation": []interface{}{}, "api_key": nil},
		CreatedAt:  now,
		LastAccess: now,
	}

	if err := s.persist(ctx, sess); err != nil {
		return nil, "", err
	}

	s.cacheMu.Lock()
	s.cache[newID] = cachedSession{session: sess.Clone(), cachedAt: now}
	s.cacheMu.Unlock()

	_ = s.publish(ctx, pubsub.EventSessionNew, userID, nil)

	return sess, newID, nil
}

// Get reads a session, cache-first within CacheTTL, falling back to the KV.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.get(ctx, sessionID)
}

func (s *SessionStore) get(ctx context.Context, sessionID string) (*models.Session, error) {
	s.cacheMu.RLock()
	entry, ok := s.cache[sessionID]
	s.cacheMu.RUnlock()
	if ok && time.Since(entry.cachedAt) < s.cfg.CacheTTL {
		return entry.session.Clone(), nil
	}

	raw, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, nil // treat miss as "not found", not an error
	}

	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[sessionID] = cachedSession{session: sess.Clone(), cachedAt: time.Now()}
	s.cacheMu.Unlock()

	return &sess, nil
}

// Update enqueues a partial update into the pending-writes map and returns
// immediately without touching the KV. Later keys within the same flush
// window overwrite earlier ones.
func (s *SessionStore) Update(sessionID string, partial map[string]interface{}) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	merged, ok := s.pending[sessionID]
	if !ok {
		merged = make(map[string]interface{}, len(partial))
	}
	for k, v := range partial {
		merged[k] = v
	}
	s.pending[sessionID] = merged
}

// Touch throttles writes of last_access to at most once per TouchThrottle
// per session, to prevent per-message KV thrash on high-rate sockets.
func (s *SessionStore) Touch(sessionID string) {
	now := time.Now()

	s.touchMu.Lock()
	last, ok := s.touched[sessionID]
	due := !ok || now.Sub(last) >= s.cfg.TouchThrottle
	if due {
		s.touched[sessionID] = now
	}
	s.touchMu.Unlock()

	if due {
		s.Update(sessionID, map[string]interface{}{"last_access": now.Format(time.RFC3339)})
	}
}

// Delete removes a single session.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	s.cacheMu.Lock()
	delete(s.cache, sessionID)
	s.cacheMu.Unlock()

	s.pendingMu.Lock()
	delete(s.pending, sessionID)
	s.pendingMu.Unlock()

	return s.kv.Delete(ctx, sessionKey(sessionID))
}

// CleanupUserSessions scans every session key and deletes ones owned by
// userID. O(n) in the number of live sessions, same cost as the original.
func (s *SessionStore) CleanupUserSessions(ctx context.Context, userID string) error {
	keys, err := s.kv.Scan(ctx, "sessions:*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		id := key[len("sessions:"):]
		sess, err := s.get(ctx, id)
		if err != nil || sess == nil {
			continue
		}
		if sess.UserID == userID {
			_ = s.Delete(ctx, id)
		}
	}
	return nil
}

// ScanAll returns every session ID currently in the KV, for the reaper.
func (s *SessionStore) ScanAll(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Scan(ctx, "sessions:*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len("sessions:"):])
	}
	return out, nil
}

func (s *SessionStore) persist(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, sessionKey(sess.ID), data, s.cfg.TTL)
}

// batchWriter drains the pending-writes map every FlushInterval: snapshot
// under the mutex, fetch all target sessions in one pipelined read, merge,
// write back in one pipelined write with TTL refresh, then publish
// session.update per session after the pipeline completes.
func (s *SessionStore) batchWriter(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *SessionStore) flush(ctx context.Context) {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]map[string]interface{})
	s.pendingMu.Unlock()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}

	getPipe := s.kv.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = getPipe.Get(ctx, s.kv.Prefix()+sessionKey(id))
	}
	// Pipeline-level errors are expected here: a miss surfaces as redis.Nil
	// on that key's own cmd, not as a failure of the whole round trip.
	_, _ = getPipe.Exec(ctx)

	setPipe := s.kv.Pipeline()
	touchedUsers := make([]string, 0, len(ids))

	for _, id := range ids {
		raw, err := cmds[id].Bytes()
		if err != nil {
			log.Printf("[sessions] flush: skip %s, not found: %v", id, err)
			continue
		}

		var sess models.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			log.Printf("[sessions] flush: skip %s, decode error: %v", id, err)
			continue
		}

		mergeSessionUpdate(&sess, batch[id])

		encoded, err := json.Marshal(sess)
		if err != nil {
			log.Printf("[sessions] flush: skip %s, encode error: %v", id, err)
			continue
		}

		setPipe.Set(ctx, s.kv.Prefix()+sessionKey(id), encoded, s.cfg.TTL)
		touchedUsers = append(touchedUsers, sess.UserID)

		s.cacheMu.Lock()
		s.cache[id] = cachedSession{session: sess.Clone(), cachedAt: time.Now()}
		s.cacheMu.Unlock()
	}

	if _, err := setPipe.Exec(ctx); err != nil {
		log.Printf("[sessions] flush: pipelined write failed: %v", err)
		return
	}

	for _, userID := range touchedUsers {
		if err := s.publish(ctx, pubsub.EventSessionUpdate, userID, nil); err != nil {
			log.Printf("[sessions] publish session.update failed: %v", err)
		}
	}
}

// mergeSessionUpdate applies a partial update onto a session record.
// Recognised top-level keys: "last_access" (RFC3339 string), "chat_id",
// and "data" (a map whose fields merge into the session's data bag). Any
// other key is stored in the data bag under its own name (the shape the
// built-in update_api_key handler uses for "api_key").
func mergeSessionUpdate(sess *models.Session, partial map[string]interface{}) {
	if sess.Data == nil {
		sess.Data = make(map[string]interface{})
	}
	for k, v := range partial {
		switch k {
		case "last_access":
			if str, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, str); err == nil {
					sess.LastAccess = t
					continue
				}
			}
		case "chat_id":
			if str, ok := v.(string); ok {
				sess.ChatID = str
				continue
			}
		case "data":
			if m, ok := v.(map[string]interface{}); ok {
				for dk, dv := range m {
					sess.Data[dk] = dv
				}
				continue
			}
		}
		sess.Data[k] = v
	}
	sess.LastAccess = time.Now()
}

// cacheJanitor prunes stale session-cache and touch-throttle entries so
// long-running replicas don't grow these maps without bound.
func (s *SessionStore) cacheJanitor(ctx context.Context) {
	interval := s.cfg.CacheCleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()

			s.cacheMu.Lock()
			for id, entry := range s.cache {
				if now.Sub(entry.cachedAt) > 2*s.cfg.CacheTTL {
					delete(s.cache, id)
				}
			}
			s.cacheMu.Unlock()

			s.touchMu.Lock()
			for id, at := range s.touched {
				if now.Sub(at) > 10*s.cfg.TouchThrottle {
					delete(s.touched, id)
				}
			}
			s.touchMu.Unlock()
		}
	}
}
