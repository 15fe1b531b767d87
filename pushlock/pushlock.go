// Package pushlock serializes concurrent receive-pack invocations against
// the same repository, regardless of which listener (git daemon, SSH, or
// HTTP) accepted the connection. Git's own ref-update machinery guards
// individual ref compare-and-swaps, but a pair of overlapping receive-pack
// processes against the same repository can still interleave non-atomic
// housekeeping (packed-refs rewrites, reflog appends) in ways that corrupt
// state; holding an exclusive flock(2) for the duration of the child process
// prevents that interleaving.
package pushlock

import (
	"path/filepath"
	"syscall"

	base "github.com/omegaup/go-base/v3"
)

const invalidFD = -1

// Manager hands out Lock values scoped to a repository path, reusing
// closed-but-unlocked file descriptors across calls via a bounded pool.
type Manager struct {
	fdCache *base.KeyedPool[int]
}

// NewManager returns a Manager ready to mint Locks.
func NewManager() *Manager {
	return &Manager{
		fdCache: base.NewKeyedPool[int](base.KeyedPoolOptions[int]{
			New: func(path string) (int, error) {
				return syscall.Creat(path, 0600)
			},
			OnEvicted: func(path string, value int) {
				syscall.Close(value)
			},
		}),
	}
}

// Clear releases every pooled file descriptor. Intended for tests and
// graceful shutdown.
func (m *Manager) Clear() {
	m.fdCache.Clear()
}

// Lock is a single advisory, exclusive, repository-scoped lock. The zero
// value is not usable; obtain one via Manager.ForRepository.
type Lock struct {
	path    string
	fd      int
	fdCache *base.KeyedPool[int]
}

// ForRepository returns an unlocked Lock for the repository rooted at
// fsPath. The backing lock file lives inside the repository's own
// directory, so it is visible to anything inspecting the bare repo on disk.
func (m *Manager) ForRepository(fsPath string) *Lock {
	return &Lock{
		path:    filepath.Join(fsPath, "gitfrontend.push.lock"),
		fd:      invalidFD,
		fdCache: m.fdCache,
	}
}

func (l *Lock) open() error {
	if l.fd != invalidFD {
		return nil
	}
	fd, err := l.fdCache.Get(l.path)
	if err != nil {
		return err
	}
	l.fd = fd
	return nil
}

// Lock blocks until the exclusive lock for this repository is held. Only
// one receive-pack may run against a given repository at a time, across
// every listener in the process.
func (l *Lock) Lock() error {
	if err := l.open(); err != nil {
		return err
	}
	return syscall.Flock(l.fd, syscall.LOCK_EX)
}

// TryLock attempts to acquire the exclusive lock for this repository
// without blocking. It returns (false, nil) if another receive-pack is
// already running against the repository, so a caller that wants to
// reject a concurrent push immediately (rather than queue behind it)
// should use this instead of Lock.
func (l *Lock) TryLock() (bool, error) {
	if err := l.open(); err != nil {
		return false, err
	}
	if err := syscall.Flock(l.fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Unlock releases the lock, returning the descriptor to the pool so the
// next caller for this repository can reuse it.
func (l *Lock) Unlock() error {
	if l.fd == invalidFD {
		return nil
	}
	err := syscall.Flock(l.fd, syscall.LOCK_UN)
	if err != nil {
		syscall.Close(l.fd)
	} else {
		l.fdCache.Put(l.path, l.fd)
	}
	l.fd = invalidFD
	return err
}
