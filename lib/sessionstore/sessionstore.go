// Package sessionstore persists an authenticated session to disk,
// encrypted under a locally generated fernet key. Both artifacts are
// owner-only files; a session that cannot be loaded is treated as
// absent, never as an error.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fernet/fernet-go"
)

const DefaultKeyFile = ".session_key"
const DefaultSessionFile = ".instapaper_session"

var ErrInsecurePermissions = fmt.Errorf("refusing to persist session material without owner-only file permissions")

type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

type Session struct {
	Cookies []Cookie `json:"cookies"`
}

func (s Session) IsZero() bool {
	return len(s.Cookies) == 0
}

type Store struct {
	KeyFile     string
	SessionFile string
}

func New(keyFile, sessionFile string) Store {
	if keyFile == "" {
		keyFile = DefaultKeyFile
	}
	if sessionFile == "" {
		sessionFile = DefaultSessionFile
	}
	return Store{
		KeyFile:     keyFile,
		SessionFile: sessionFile,
	}
}

// Load decrypts the persisted session blob. A reusable session is
// always optional: missing files, undecodable keys and corrupt or
// tampered blobs all return ok=false rather than an error.
func (s Store) Load() (Session, bool) {
	keyData, err := os.ReadFile(s.KeyFile)
	if err != nil {
		return Session{}, false
	}
	key, err := fernet.DecodeKey(string(keyData))
	if err != nil {
		slog.Warn("session key file is not a valid fernet key", "key_file", s.KeyFile, "err", err)
		return Session{}, false
	}

	blob, err := os.ReadFile(s.SessionFile)
	if err != nil {
		return Session{}, false
	}

	plaintext := fernet.VerifyAndDecrypt(blob, 0, []*fernet.Key{key})
	if plaintext == nil {
		slog.Warn("discarding session blob that failed decryption", "session_file", s.SessionFile)
		os.Remove(s.SessionFile)
		return Session{}, false
	}

	var session Session
	err = json.Unmarshal(plaintext, &session)
	if err != nil {
		slog.Warn("discarding undecodable session blob", "session_file", s.SessionFile, "err", err)
		os.Remove(s.SessionFile)
		return Session{}, false
	}
	if session.IsZero() {
		return Session{}, false
	}

	return session, true
}

// Save encrypts the session and writes it to disk, generating the
// encryption key on first use. Callers only pass sessions that have
// already been verified as authenticated.
func (s Store) Save(session Session) error {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(session)
	if err != nil {
		return err
	}
	blob, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %w", err)
	}

	err = writeRestricted(s.SessionFile, blob)
	if err != nil {
		return err
	}

	slog.Info("saved encrypted session", "session_file", s.SessionFile)
	return nil
}

func (s Store) loadOrCreateKey() (*fernet.Key, error) {
	keyData, err := os.ReadFile(s.KeyFile)
	if err == nil {
		return fernet.DecodeKey(string(keyData))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := &fernet.Key{}
	err = key.Generate()
	if err != nil {
		return nil, err
	}
	err = writeRestricted(s.KeyFile, []byte(key.Encode()))
	if err != nil {
		return nil, err
	}

	slog.Info("generated new session encryption key", "key_file", s.KeyFile)
	return key, nil
}

// writes a file readable and writable by the owner only, failing loudly
// when the filesystem cannot enforce that
func writeRestricted(path string, data []byte) error {
	err := os.WriteFile(path, data, 0o600)
	if err != nil {
		return err
	}
	err = os.Chmod(path, 0o600)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: %w", ErrInsecurePermissions, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		os.Remove(path)
		return fmt.Errorf("%w: %s has mode %v", ErrInsecurePermissions, path, info.Mode().Perm())
	}
	return nil
}
