// Package store is the SQLite correlation store: provisioned mailboxes,
// surveyed sites, registration attempts with their defenses and audit steps.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/regprobe/dbopen"
	"github.com/hazyhaar/regprobe/guard"
	"github.com/hazyhaar/regprobe/idgen"
	"github.com/hazyhaar/regprobe/mailbox"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Store is the correlation database handle.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
	now   func() time.Time
	key   *[32]byte
}

// Option configures a Store.
type Option func(*Store) error

// WithSecret seals provider session data and passwords at rest.
func WithSecret(secret string) Option {
	return func(s *Store) error {
		if secret == "" {
			return nil
		}
		if err := guard.ValidateSecret(secret); err != nil {
			return err
		}
		key, err := deriveKey(secret)
		if err != nil {
			return fmt.Errorf("store: derive key: %w", err)
		}
		s.key = key
		return nil
	}
}

// WithIDGenerator overrides the UUIDv7 row ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) error { s.newID = gen; return nil }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error { s.now = now; return nil }
}

// Open opens (or creates) the store at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	s, err := build(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database, applying the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return build(db, opts)
}

func build(db *sql.DB, opts []Option) (*Store, error) {
	s := &Store{DB: db, newID: idgen.Default, now: time.Now}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) millis() int64 { return s.now().UnixMilli() }

// SaveAccount inserts a provisioned mailbox and returns its id. Saving an
// address that is already stored leaves the row untouched and returns the
// existing id.
func (s *Store) SaveAccount(ctx context.Context, a *mailbox.Account) (string, error) {
	data := ""
	if len(a.SessionData) > 0 {
		raw, err := json.Marshal(a.SessionData)
		if err != nil {
			return "", fmt.Errorf("store: encode session data: %w", err)
		}
		data = string(raw)
	}
	sealedData, err := s.seal(data)
	if err != nil {
		return "", fmt.Errorf("store: seal session data: %w", err)
	}
	sealedPass, err := s.seal(a.Password)
	if err != nil {
		return "", fmt.Errorf("store: seal password: %w", err)
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	status := a.Status
	if status == "" {
		status = mailbox.StatusActive
	}
	now := s.millis()

	var id string
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO email_accounts (id, email, service, tier, status, password, inbox_url, session_data, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(email) DO NOTHING`,
			s.newID(), a.Address, a.Provider, string(a.Tier), string(status), sealedPass, a.InboxURL, sealedData,
			createdAt.UnixMilli(), now,
		); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM email_accounts WHERE email = ?`, a.Address).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("store: save account %s: %w", a.Address, err)
	}
	return id, nil
}

// AccountExists reports whether address was provisioned before.
func (s *Store) AccountExists(ctx context.Context, address string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_accounts WHERE email = ?`, address).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: account exists: %w", err)
	}
	return n > 0, nil
}

// GetAccount reads a mailbox by address, opening sealed fields.
func (s *Store) GetAccount(ctx context.Context, address string) (*mailbox.Account, error) {
	var (
		a              mailbox.Account
		tier, status   string
		password, data string
		createdAt      int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, email, service, tier, status, password, inbox_url, session_data, created_at
		FROM email_accounts WHERE email = ?`, address).Scan(
		&a.ID, &a.Address, &a.Provider, &tier, &status, &password, &a.InboxURL, &data, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	a.Tier = mailbox.Tier(tier)
	a.Status = mailbox.Status(status)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()

	if a.Password, err = s.open(password); err != nil {
		return nil, err
	}
	plain, err := s.open(data)
	if err != nil {
		return nil, err
	}
	if plain != "" {
		if err := json.Unmarshal([]byte(plain), &a.SessionData); err != nil {
			return nil, fmt.Errorf("store: decode session data: %w", err)
		}
	}
	return &a, nil
}

// SetAccountStatus moves a mailbox to status.
func (s *Store) SetAccountStatus(ctx context.Context, address string, status mailbox.Status) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE email_accounts SET status = ?, updated_at = ? WHERE email = ?`,
		string(status), s.millis(), address)
	if err != nil {
		return fmt.Errorf("store: set account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkVerified records that the mailbox received and followed a
// verification link.
func (s *Store) MarkVerified(ctx context.Context, address string) error {
	return s.SetAccountStatus(ctx, address, mailbox.StatusVerified)
}

// CloseAccount retires a mailbox. The row is kept.
func (s *Store) CloseAccount(ctx context.Context, address string) error {
	return s.SetAccountStatus(ctx, address, mailbox.StatusClosed)
}
