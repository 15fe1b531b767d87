package authnz

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/gcfg"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	xssh "golang.org/x/crypto/ssh"

	"github.com/omegaup/gitfrontend/pathresolver"
)

// FileAuthNZ is a reference AuthNZ implementation backed by three flat
// files: an htpasswd-style password file, an INI-style permissions file,
// and a line-oriented SSH authorized-keys file. All three are reloaded
// automatically when their mtime changes, and all public methods are safe
// for concurrent use from every listener.
type FileAuthNZ struct {
	PasswordPath    string
	PermissionsPath string
	SSHKeysPath     string

	mu          sync.RWMutex
	passwords   map[string][]byte // user -> bcrypt hash
	passwordsAt time.Time

	permissions   map[string]map[string]string // repo basename -> user -> access letters
	permissionsAt time.Time

	sshKeys   map[string][][]byte // user -> list of marshaled public keys
	sshKeysAt time.Time
}

// AnonymousName is the literal identity name used in the permissions file
// to grant anonymous access.
const AnonymousName = "anonymous"

// CanRead implements authnz.AuthNZ.
func (f *FileAuthNZ) CanRead(ctx context.Context, identity Identity, location pathresolver.RepositoryLocation) bool {
	return f.hasAccess(location, identity, 'r')
}

// CanWrite implements authnz.AuthNZ.
func (f *FileAuthNZ) CanWrite(ctx context.Context, identity Identity, location pathresolver.RepositoryLocation) bool {
	if identity.IsAnonymous() {
		return false
	}
	return f.hasAccess(location, identity, 'w')
}

func (f *FileAuthNZ) hasAccess(location pathresolver.RepositoryLocation, identity Identity, letter byte) bool {
	perms, err := f.loadPermissions()
	if err != nil {
		return false
	}
	section := perms[filepath.Base(location.FSPath)]
	if section == nil {
		return false
	}
	name := identity.Name
	if identity.IsAnonymous() {
		name = AnonymousName
	}
	access, ok := section[name]
	if !ok {
		return false
	}
	return strings.IndexByte(access, letter) >= 0
}

// CheckPassword implements authnz.PasswordChecker.
func (f *FileAuthNZ) CheckPassword(ctx context.Context, user, password string) bool {
	passwords, err := f.loadPasswords()
	if err != nil {
		return false
	}
	hash, ok := passwords[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// CheckPublicKey implements authnz.PublicKeyChecker.
func (f *FileAuthNZ) CheckPublicKey(ctx context.Context, user string, keyBlob []byte) bool {
	keys, err := f.loadSSHKeys()
	if err != nil {
		return false
	}
	for _, candidate := range keys[user] {
		if xsshKeysEqual(candidate, keyBlob) {
			return true
		}
	}
	return false
}

func xsshKeysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *FileAuthNZ) loadPermissions() (map[string]map[string]string, error) {
	f.mu.RLock()
	mtime, changed := f.changed(f.PermissionsPath, f.permissionsAt)
	cached := f.permissions
	f.mu.RUnlock()
	if !changed && cached != nil {
		return cached, nil
	}

	file, err := os.Open(f.PermissionsPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open permissions file")
	}
	defer file.Close()

	// The permissions file names repositories as sections
	// (`[repository "public.git"]`) and users as the variables inside
	// them, so the variable names aren't known ahead of time; gcfg's
	// callback reader is the decoder shape that admits that.
	perms := make(map[string]map[string]string)
	err = gcfg.ReadWithCallback(file, func(section, subsection, key, value string, blank bool) error {
		name := subsection
		if name == "" {
			name = section
		}
		if perms[name] == nil {
			perms[name] = make(map[string]string)
		}
		if key != "" && !blank {
			perms[name][key] = value
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse permissions file")
	}

	f.mu.Lock()
	f.permissions = perms
	f.permissionsAt = mtime
	f.mu.Unlock()
	return perms, nil
}

func (f *FileAuthNZ) loadPasswords() (map[string][]byte, error) {
	f.mu.RLock()
	mtime, changed := f.changed(f.PasswordPath, f.passwordsAt)
	cached := f.passwords
	f.mu.RUnlock()
	if !changed && cached != nil {
		return cached, nil
	}

	file, err := os.Open(f.PasswordPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open password file")
	}
	defer file.Close()

	passwords := make(map[string][]byte)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		passwords[user] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read password file")
	}

	f.mu.Lock()
	f.passwords = passwords
	f.passwordsAt = mtime
	f.mu.Unlock()
	return passwords, nil
}

func (f *FileAuthNZ) loadSSHKeys() (map[string][][]byte, error) {
	f.mu.RLock()
	mtime, changed := f.changed(f.SSHKeysPath, f.sshKeysAt)
	cached := f.sshKeys
	f.mu.RUnlock()
	if !changed && cached != nil {
		return cached, nil
	}

	file, err := os.Open(f.SSHKeysPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ssh keys file")
	}
	defer file.Close()

	keys := make(map[string][][]byte)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, keyLine, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(keyLine))
		if err != nil {
			continue
		}
		keys[user] = append(keys[user], pubKey.Marshal())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read ssh keys file")
	}

	f.mu.Lock()
	f.sshKeys = keys
	f.sshKeysAt = mtime
	f.mu.Unlock()
	return keys, nil
}

// changed reports the file's current mtime and whether it differs from
// since (a zero path is reported as unchanged so that an unconfigured
// capability never triggers a reload loop).
func (f *FileAuthNZ) changed(path string, since time.Time) (time.Time, bool) {
	if path == "" {
		return since, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return since, false
	}
	return info.ModTime(), !info.ModTime().Equal(since)
}
