package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/nodelink/internal/crypto"
)

// Record keys; also used as AEAD associated data.
const (
	keyClientName     = "clientName"
	keyAPIURL         = "apiUrl"
	keyWebSocketURL   = "webSocketUrl"
	keyTLSFingerprint = "tlsFingerprint"
	keyTorSecret      = "torClientAuthSecret"
	keyClientID       = "clientId"
	keyClientSecret   = "clientSecret"
	keySessionID      = "sessionId"
	keySessionExpiry  = "sessionExpiry"
	keyProxyOption    = "proxyOption"
	keyProxyURL       = "proxyUrl"
)

// SQLiteStore implements Store on a SQLite key/value table whose values are
// sealed with an AEAD.
type SQLiteStore struct {
	db   *sql.DB
	aead crypto.AEAD
	mu   sync.Mutex // single writer
}

// OpenSQLite opens (or creates) the settings database at dbPath.
func OpenSQLite(dbPath string, aead crypto.AEAD) (*SQLiteStore, error) {
	if aead == nil {
		return nil, errors.New("settings: encryption is required")
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, aead: aead}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Debug("settings store opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sensitive_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	)`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context) (SensitiveSettings, error) {
	values, err := s.readAll(ctx, s.db)
	if err != nil {
		return SensitiveSettings{}, err
	}
	return fromValues(values)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(*SensitiveSettings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings update: %w", err)
	}
	defer tx.Rollback()

	values, err := s.readAll(ctx, tx)
	if err != nil {
		return err
	}
	current, err := fromValues(values)
	if err != nil {
		return err
	}

	next := current
	if err := fn(&next); err != nil {
		return err
	}

	now := time.Now().Unix()
	for key, value := range toValues(next) {
		if value == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sensitive_settings WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			continue
		}
		sealed, err := s.aead.Seal([]byte(value), key)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sensitive_settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, sealed, now,
		); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sensitive_settings`)
	if err == nil {
		slog.Info("settings cleared")
	}
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) readAll(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM sensitive_settings`)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, sealed string
		if err := rows.Scan(&key, &sealed); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		plain, err := s.aead.Open(sealed, key)
		if err != nil {
			return nil, fmt.Errorf("decrypt setting %q: %w", key, err)
		}
		values[key] = string(plain)
	}
	return values, rows.Err()
}

func toValues(s SensitiveSettings) map[string]string {
	expiry := ""
	if !s.SessionExpiry.IsZero() {
		expiry = strconv.FormatInt(s.SessionExpiry.UnixMilli(), 10)
	}
	return map[string]string{
		keyClientName:     s.ClientName,
		keyAPIURL:         s.APIURL,
		keyWebSocketURL:   s.WebSocketURL,
		keyTLSFingerprint: s.TLSFingerprint,
		keyTorSecret:      s.TorClientAuthSecret,
		keyClientID:       s.ClientID,
		keyClientSecret:   s.ClientSecret,
		keySessionID:      s.SessionID,
		keySessionExpiry:  expiry,
		keyProxyOption:    string(s.ProxyOption),
		keyProxyURL:       s.ProxyURL,
	}
}

func fromValues(v map[string]string) (SensitiveSettings, error) {
	s := SensitiveSettings{
		ClientName:          v[keyClientName],
		APIURL:              v[keyAPIURL],
		WebSocketURL:        v[keyWebSocketURL],
		TLSFingerprint:      v[keyTLSFingerprint],
		TorClientAuthSecret: v[keyTorSecret],
		ClientID:            v[keyClientID],
		ClientSecret:        v[keyClientSecret],
		SessionID:           v[keySessionID],
		ProxyOption:         ProxyOption(v[keyProxyOption]),
		ProxyURL:            v[keyProxyURL],
	}
	if raw := v[keySessionExpiry]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return SensitiveSettings{}, fmt.Errorf("parse session expiry: %w", err)
		}
		s.SessionExpiry = time.UnixMilli(ms).UTC()
	}
	if s.ProxyOption == "" {
		s.ProxyOption = ProxyNone
	}
	return s, nil
}
