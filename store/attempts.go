package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/dbopen"
	"github.com/hazyhaar/regprobe/defense"
)

// Attempt is one registration attempt of a mailbox on a site.
type Attempt struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"accountId,omitempty"`
	Email        string            `json:"email"`
	SiteID       string            `json:"siteId"`
	State        string            `json:"state"`
	Outcome      string            `json:"outcome,omitempty"`
	FieldsFilled int               `json:"fieldsFilled"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  time.Time         `json:"completedAt,omitzero"`
	Defenses     []defense.Finding `json:"defenses,omitempty"`
	Steps        []Step            `json:"steps,omitempty"`
}

// Step is the audit record of one state transition.
type Step struct {
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Duration time.Duration   `json:"duration"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	At       time.Time       `json:"at"`
}

// JSON encodes v for a Step payload. Values that do not encode are stored
// as an error object rather than dropped.
func JSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"encodeError": err.Error()})
	}
	return raw
}

// StartAttempt opens an attempt in state "created". accountID may be
// empty when the mailbox was never persisted.
func (s *Store) StartAttempt(ctx context.Context, accountID, email, siteID string) (string, error) {
	id := s.newID()
	var acct any
	if accountID != "" {
		acct = accountID
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO registration_attempts (id, email_id, email, site_id, started_at)
		VALUES (?,?,?,?,?)`, id, acct, email, siteID, s.millis())
	if err != nil {
		return "", fmt.Errorf("store: start attempt: %w", err)
	}
	return id, nil
}

// RecordStep appends a transition record and moves the attempt to the
// step's state.
func (s *Store) RecordStep(ctx context.Context, attemptID string, st Step) error {
	at := st.At
	if at.IsZero() {
		at = s.now()
	}
	input, output := string(st.Input), string(st.Output)
	if input == "" {
		input = "{}"
	}
	if output == "" {
		output = "{}"
	}
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registration_steps (registration_id, step_name, status, duration_ms, input_data, output_data, created_at)
			VALUES (?,?,?,?,?,?,?)`,
			attemptID, st.Name, st.Status, st.Duration.Milliseconds(), input, output, at.UnixMilli(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE registration_attempts SET state = ? WHERE id = ?`, st.Name, attemptID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: record step %s: %w", st.Name, err)
	}
	return nil
}

// RecordDefenses stores the findings of an attempt in the given order.
func (s *Store) RecordDefenses(ctx context.Context, attemptID, siteID string, findings []defense.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO site_defenses (site_id, registration_id, seq, defense_type, defense_subtype,
				severity_level, description, evidence, detected_at)
			VALUES (?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, f := range findings {
			ev, err := json.Marshal(f.Evidence)
			if err != nil {
				return err
			}
			detected := f.DetectedAt
			if detected.IsZero() {
				detected = s.now()
			}
			if _, err := stmt.ExecContext(ctx, siteID, attemptID, i, f.Type, f.Subtype, f.Severity,
				strings.Join(f.Evidence, "; "), string(ev), detected.UnixMilli()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: record defenses: %w", err)
	}
	return nil
}

// FinishAttempt sets the terminal outcome of an attempt.
func (s *Store) FinishAttempt(ctx context.Context, attemptID, outcome string, fieldsFilled int, message string) error {
	success := 0
	if outcome == "success" {
		success = 1
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		UPDATE registration_attempts SET
			state = 'decided', status = ?, success = ?, fields_filled = ?, error_message = ?, completed_at = ?
		WHERE id = ?`, outcome, success, fieldsFilled, message, s.millis(), attemptID)
	if err != nil {
		return fmt.Errorf("store: finish attempt: %w", err)
	}
	return nil
}

// GetAttempt reads an attempt with its defenses, most severe first, and
// its steps in recording order.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	var (
		a         Attempt
		acct      sql.NullString
		status    string
		started   int64
		completed sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, email_id, email, site_id, state, status, fields_filled, error_message, started_at, completed_at
		FROM registration_attempts WHERE id = ?`, id).Scan(
		&a.ID, &acct, &a.Email, &a.SiteID, &a.State, &status, &a.FieldsFilled, &a.Error, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get attempt: %w", err)
	}
	a.AccountID = acct.String
	if status != "pending" {
		a.Outcome = status
	}
	a.StartedAt = time.UnixMilli(started).UTC()
	if completed.Valid {
		a.CompletedAt = time.UnixMilli(completed.Int64).UTC()
	}

	if a.Defenses, err = s.attemptDefenses(ctx, id); err != nil {
		return nil, err
	}
	if a.Steps, err = s.attemptSteps(ctx, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) attemptDefenses(ctx context.Context, attemptID string) ([]defense.Finding, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT defense_type, defense_subtype, severity_level, evidence, detected_at
		FROM site_defenses WHERE registration_id = ?
		ORDER BY severity_level DESC, seq ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("store: attempt defenses: %w", err)
	}
	defer rows.Close()

	var out []defense.Finding
	for rows.Next() {
		var (
			f        defense.Finding
			evidence string
			detected int64
		)
		if err := rows.Scan(&f.Type, &f.Subtype, &f.Severity, &evidence, &detected); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
			return nil, fmt.Errorf("store: decode evidence: %w", err)
		}
		f.DetectedAt = time.UnixMilli(detected).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) attemptSteps(ctx context.Context, attemptID string) ([]Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT step_name, status, duration_ms, input_data, output_data, created_at
		FROM registration_steps WHERE registration_id = ? ORDER BY id ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("store: attempt steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var (
			st            Step
			ms, at        int64
			input, output string
		)
		if err := rows.Scan(&st.Name, &st.Status, &ms, &input, &output, &at); err != nil {
			return nil, err
		}
		st.Duration = time.Duration(ms) * time.Millisecond
		st.Input = json.RawMessage(input)
		st.Output = json.RawMessage(output)
		st.At = time.UnixMilli(at).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListAttempts returns the most recent attempts on a site, without their
// defenses and steps.
func (s *Store) ListAttempts(ctx context.Context, siteID string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, email, state, status, fields_filled, error_message, started_at
		FROM registration_attempts WHERE site_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{SiteID: siteID}
		var (
			status  string
			started int64
		)
		if err := rows.Scan(&a.ID, &a.Email, &a.State, &status, &a.FieldsFilled, &a.Error, &started); err != nil {
			return nil, err
		}
		if status != "pending" {
			a.Outcome = status
		}
		a.StartedAt = time.UnixMilli(started).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// DefenseCounts tallies the defense types seen on a site.
func (s *Store) DefenseCounts(ctx context.Context, siteID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT defense_type, COUNT(*) FROM site_defenses WHERE site_id = ? GROUP BY defense_type`, siteID)
	if err != nil {
		return nil, fmt.Errorf("store: defense counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}
