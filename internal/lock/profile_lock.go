// Package lock serializes worker spawns per profile across orchestrator
// processes using exclusive lock files.
package lock

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// Backoff between acquisition attempts: doubles from 50ms, capped at 500ms.
const (
	backoffInitial = 50 * time.Millisecond
	backoffMax     = 500 * time.Millisecond
)

// staleRounds is how many consecutive failed rounds against a dead holder are
// tolerated before the lock file is taken over.
const staleRounds = 3

// holder is the lock file payload.
type holder struct {
	PID int   `json:"pid"`
	At  int64 `json:"at"` // unix milliseconds
}

// Manager creates and releases per-profile lock files under a single
// directory.
type Manager struct {
	dir    string
	logger *log.Logger
	alive  func(pid int) bool
	now    func() time.Time
	pid    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithAliveProbe replaces the pid liveness check (used by tests).
func WithAliveProbe(f func(pid int) bool) Option {
	return func(m *Manager) { m.alive = f }
}

// WithClock replaces the clock (used by tests).
func WithClock(f func() time.Time) Option {
	return func(m *Manager) { m.now = f }
}

// NewManager returns a lock manager rooted at dir.
func NewManager(dir string, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		dir:    dir,
		logger: logger,
		alive:  pidAlive,
		now:    time.Now,
		pid:    os.Getpid(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) lockPath(profileID string) string {
	return filepath.Join(m.dir, profileID+".lock")
}

// WithProfileLock runs fn while holding the profile's lock file. The lock is
// released on every exit path, including a panic inside fn. When the lock
// cannot be acquired before timeout the call fails with LOCK_TIMEOUT without
// running fn.
func (m *Manager) WithProfileLock(profileID string, timeout time.Duration, fn func() error) error {
	if err := m.acquire(profileID, timeout); err != nil {
		return err
	}
	defer m.release(profileID)
	return fn()
}

func (m *Manager) acquire(profileID string, timeout time.Duration) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return domain.E(domain.KindLockTimeout, "lock.acquire", profileID, err)
	}

	deadline := m.now().Add(timeout)
	backoff := backoffInitial
	deadHolderRounds := 0

	for {
		err := m.tryCreate(profileID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return domain.E(domain.KindLockTimeout, "lock.acquire", profileID, err)
		}

		// Lock held. Check whether the holder is still alive; a lock left
		// behind by a dead process is taken over after a few failed rounds.
		if h, ok := m.readHolder(profileID); ok && !m.alive(h.PID) {
			deadHolderRounds++
			if deadHolderRounds >= staleRounds {
				if m.logger != nil {
					m.logger.Printf("ProfileLock: taking over stale lock for %q (holder pid %d dead)", profileID, h.PID)
				}
				os.Remove(m.lockPath(profileID))
				deadHolderRounds = 0
				continue
			}
		} else {
			deadHolderRounds = 0
		}

		if m.now().After(deadline) {
			return domain.Errorf(domain.KindLockTimeout, "lock.acquire", profileID,
				"lock not acquired within %s", timeout)
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// tryCreate attempts the exclusive create and writes the holder payload.
func (m *Manager) tryCreate(profileID string) error {
	f, err := os.OpenFile(m.lockPath(profileID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(holder{PID: m.pid, At: m.now().UnixMilli()})
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(m.lockPath(profileID))
		return err
	}
	return f.Close()
}

func (m *Manager) readHolder(profileID string) (holder, bool) {
	data, err := os.ReadFile(m.lockPath(profileID))
	if err != nil {
		return holder{}, false
	}
	var h holder
	if err := json.Unmarshal(data, &h); err != nil || h.PID <= 0 {
		return holder{}, false
	}
	return h, true
}

func (m *Manager) release(profileID string) {
	if err := os.Remove(m.lockPath(profileID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if m.logger != nil {
			m.logger.Printf("ProfileLock: release %q: %v", profileID, err)
		}
	}
}
