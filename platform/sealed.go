package platform

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

const deviceKeyFile = "device.key"

// SealedFileStorage is a development SecureStorage backed by a SQLite file.
// Values are sealed with XChaCha20-Poly1305 under a per-installation device
// key kept next to the database. This stands in for the OS keychain on
// desktop builds; it offers no protection against a local attacker who can
// read the data directory.
type SealedFileStorage struct {
	db        *sql.DB
	deviceKey []byte
	auth      Authenticator
	mu        sync.Mutex
}

// OpenSealedFileStorage opens or creates the store under dir.
func OpenSealedFileStorage(dir string, auth Authenticator) (*SealedFileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	key, err := loadOrCreateDeviceKey(filepath.Join(dir, deviceKeyFile))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "secure.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection keeps writes ordered
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL", // a returned Set must survive process death
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS secure_items (
			item_key TEXT PRIMARY KEY,
			sealed BLOB NOT NULL,
			auth_required INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SealedFileStorage{db: db, deviceKey: key, auth: auth}, nil
}

func (s *SealedFileStorage) Get(ctx context.Context, key string, opts Options) ([]byte, error) {
	var sealed []byte
	var authRequired int
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed, auth_required FROM secure_items WHERE item_key = ?`, key,
	).Scan(&sealed, &authRequired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secure item: %w", err)
	}

	if authRequired == 1 {
		if !opts.RequireAuthentication {
			return nil, ErrAuthenticationRequired
		}
		if s.auth == nil {
			return nil, ErrAuthenticationUnavailable
		}
		if err := s.auth.Authenticate(ctx, opts.Prompt); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Authentication challenge rejected")
			return nil, ErrAuthenticationFailed
		}
	}

	return s.unseal(key, sealed)
}

func (s *SealedFileStorage) Set(ctx context.Context, key string, opts Options, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secure_items (item_key, sealed, auth_required, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item_key) DO UPDATE SET
			sealed = excluded.sealed,
			auth_required = excluded.auth_required,
			updated_at = excluded.updated_at
	`, key, sealed, boolToInt(opts.RequireAuthentication), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write secure item: %w", err)
	}
	return nil
}

func (s *SealedFileStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM secure_items WHERE item_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete secure item: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SealedFileStorage) Close() error {
	for i := range s.deviceKey {
		s.deviceKey[i] = 0
	}
	return s.db.Close()
}

// seal binds the ciphertext to its item key so rows cannot be swapped.
func (s *SealedFileStorage) seal(key string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.deviceKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *SealedFileStorage) unseal(key string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.deviceKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed item too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal secure item: %w", err)
	}
	return plaintext, nil
}

func loadOrCreateDeviceKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("device key has wrong length %d", len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read device key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write device key: %w", err)
	}
	log.Info().Str("path", path).Msg("Generated new device sealing key")
	return key, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
