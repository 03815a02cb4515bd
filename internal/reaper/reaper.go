// Package reaper is C6: the periodic sweep that reclaims expired sessions
// and purges the derived state of long-inactive users, run once per
// configured interval (default daily) per spec.md's §4.6.
package reaper

import (
	"context"
	"log"
	"time"

	"gateway/internal/store"
)

// Config holds C6's tunables, named in spec.md §6's environment table.
type Config struct {
	Interval       time.Duration // sweep interval, default 24h
	MaxInactive    time.Duration // session/user inactivity cutoff, default 365 days
}

func DefaultConfig() Config {
	return Config{
		Interval:    24 * time.Hour,
		MaxInactive: 365 * 24 * time.Hour,
	}
}

// Reaper periodically sweeps expired sessions and purges derived state for
// long-inactive users. It never deletes a user record — only sessions and
// connections belonging to one, per the invariant that username is the
// durable identity.
type Reaper struct {
	cfg         Config
	sessions    *store.SessionStore
	connections *store.ConnectionTracker
	users       *store.UserStore

	stopCh chan struct{}
}

func New(cfg Config, sessions *store.SessionStore, connections *store.ConnectionTracker, users *store.UserStore) *Reaper {
	return &Reaper{
		cfg:         cfg,
		sessions:    sessions,
		connections: connections,
		users:       users,
		stopCh:      make(chan struct{}),
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled or Stop is
// called. Intended to run in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Reaper) Stop() { close(r.stopCh) }

// Sweep runs both sweeps once, synchronously. Exported so an admin
// endpoint or a test can trigger a sweep on demand.
func (r *Reaper) Sweep(ctx context.Context) {
	if err := r.sweepExpiredSessions(ctx); err != nil {
		log.Printf("[reaper] expired-sessions sweep failed: %v", err)
	}
	if err := r.sweepInactiveUsers(ctx); err != nil {
		log.Printf("[reaper] inactive-users sweep failed: %v", err)
	}
}

// sweepExpiredSessions deletes any session whose last_access predates
// MaxInactive. It does not inspect KV TTLs.
func (r *Reaper) sweepExpiredSessions(ctx context.Context) error {
	ids, err := r.sessions.ScanAll(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.cfg.MaxInactive)
	swept := 0

	for _, id := range ids {
		sess, err := r.sessions.Get(ctx, id)
		if err != nil || sess == nil {
			continue
		}
		if sess.LastAccess.Before(cutoff) {
			if err := r.sessions.Delete(ctx, id); err != nil {
				log.Printf("[reaper] failed to delete expired session %s: %v", id, err)
				continue
			}
			swept++
		}
	}

	if swept > 0 {
		log.Printf("[reaper] expired-sessions sweep removed %d sessions", swept)
	}
	return nil
}

// sweepInactiveUsers purges sessions and the connection for every user
// whose last_login predates MaxInactive, preserving the user record, and
// publishes user.inactive_cleanup so any attached socket on any replica
// closes.
func (r *Reaper) sweepInactiveUsers(ctx context.Context) error {
	usernames, err := r.users.ScanUsernames(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.cfg.MaxInactive)
	swept := 0

	for _, username := range usernames {
		user, err := r.users.Get(ctx, username)
		if err != nil || user == nil {
			continue
		}
		if user.LastLogin.After(cutoff) {
			continue
		}

		if err := r.sessions.CleanupUserSessions(ctx, username); err != nil {
			log.Printf("[reaper] failed to purge sessions for %s: %v", username, err)
			continue
		}
		if err := r.connections.Remove(ctx, username); err != nil {
			log.Printf("[reaper] failed to purge connection for %s: %v", username, err)
		}
		if err := r.users.MarkInactiveCleanup(ctx, username); err != nil {
			log.Printf("[reaper] failed to publish inactive cleanup for %s: %v", username, err)
		}
		swept++
	}

	if swept > 0 {
		log.Printf("[reaper] inactive-users sweep purged derived state for %d users", swept)
	}
	return nil
}
