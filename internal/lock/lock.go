// Package lock implements a cross-process advisory lock backed by an
// atomically created directory.
//
// The directory's existence is the lock. Inside it an info file records the
// holder's pid, hostname and acquisition time. A lock is stale, and may be
// reclaimed, when the holder pid is no longer alive or when the info file has
// not been touched for StaleAfter. Holders of long runs keep the info file
// fresh with Heartbeat.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// StaleAfter is how long an untouched lock survives before it can be taken over.
const StaleAfter = 5 * time.Minute

// InfoFile is the name of the holder record inside the lock directory.
const InfoFile = "lock.json"

// ErrLockHeld is returned by callers that turn a busy lock into an abort.
var ErrLockHeld = errors.New("another pipeline run holds the lock")

// Info describes the current holder.
type Info struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is a directory lock at a fixed path. It is not reentrant: a process
// acquiring a lock it already holds gets false.
type Lock struct {
	dir        string
	staleAfter time.Duration
	pid        int
	now        func() time.Time
	alive      func(pid int) bool

	mu   sync.Mutex
	held bool
}

// New returns a Lock for dir. Nothing touches the filesystem until Acquire.
func New(dir string) *Lock {
	return &Lock{
		dir:        dir,
		staleAfter: StaleAfter,
		pid:        os.Getpid(),
		now:        time.Now,
		alive:      processAlive,
	}
}

// Dir returns the lock directory path.
func (l *Lock) Dir() string {
	return l.dir
}

func (l *Lock) infoPath() string {
	return filepath.Join(l.dir, InfoFile)
}

// Acquire tries to take the lock. It returns false, nil when a live holder
// owns it. A stale lock is removed and creation is retried once.
func (l *Lock) Acquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.dir), 0o755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", filepath.Dir(l.dir), err)
	}

	ok, err := l.tryCreate()
	if err != nil || ok {
		return ok, err
	}

	stale, err := l.isStale()
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return false, fmt.Errorf("remove stale lock %s: %w", l.dir, err)
	}
	return l.tryCreate()
}

// tryCreate performs the atomic mkdir and writes the info file on success.
func (l *Lock) tryCreate() (bool, error) {
	if err := os.Mkdir(l.dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", l.dir, err)
	}

	host, _ := os.Hostname()
	info := Info{PID: l.pid, Hostname: host, StartedAt: l.now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		os.RemoveAll(l.dir)
		return false, fmt.Errorf("marshal lock info: %w", err)
	}
	if err := os.WriteFile(l.infoPath(), append(data, '\n'), 0o644); err != nil {
		os.RemoveAll(l.dir)
		return false, fmt.Errorf("write lock info: %w", err)
	}
	l.held = true
	return true, nil
}

// isStale reports whether the existing lock may be reclaimed. A lock whose
// info file is missing or unreadable (a holder mid-acquire, or a corrupt
// record) is judged by the directory's age alone.
func (l *Lock) isStale() (bool, error) {
	info, err := ReadInfo(l.dir)
	if err != nil {
		st, statErr := os.Stat(l.dir)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return true, nil
			}
			return false, fmt.Errorf("stat lock %s: %w", l.dir, statErr)
		}
		return l.now().Sub(st.ModTime()) > l.staleAfter, nil
	}

	if !l.alive(info.PID) {
		return true, nil
	}
	st, err := os.Stat(l.infoPath())
	if err != nil {
		return true, nil
	}
	return l.now().Sub(st.ModTime()) > l.staleAfter, nil
}

// Release removes the lock if this Lock holds it. Calling it again, or
// after the directory is already gone, is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("remove lock %s: %w", l.dir, err)
	}
	return nil
}

// Held reports whether this Lock currently owns the directory.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Touch refreshes the info file's modification time.
func (l *Lock) Touch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	now := l.now()
	return os.Chtimes(l.infoPath(), now, now)
}

// Heartbeat touches the info file every interval until stop is called, so
// runs longer than StaleAfter are not reclaimed by another process.
func (l *Lock) Heartbeat(interval time.Duration, log logrus.FieldLogger) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := l.Touch(); err != nil {
					log.WithError(err).Warn("lock heartbeat failed")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// RegisterCleanup releases the lock when the process receives SIGINT or
// SIGTERM and then exits with 128+signal. The returned func unregisters the
// handler; normal-return paths still call Release themselves.
func (l *Lock) RegisterCleanup(log logrus.FieldLogger) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case sig := <-sigs:
			if err := l.Release(); err != nil {
				log.WithError(err).Error("release lock on signal")
			} else {
				log.WithField("signal", sig.String()).Warn("interrupted; lock released")
			}
			code := 1
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			os.Exit(code)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}

// ReadInfo reads the holder record of the lock at dir.
func ReadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal lock info: %w", err)
	}
	return &info, nil
}
