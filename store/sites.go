package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/regprobe/dbopen"
)

// Site is a surveyed registration target, keyed by URL.
type Site struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	URL                string    `json:"url"`
	Category           string    `json:"category"`
	DifficultyScore    float64   `json:"difficultyScore"`
	TotalAttempts      int       `json:"totalAttempts"`
	SuccessfulAttempts int       `json:"successfulAttempts"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// UpsertSite creates the site for url or refreshes its name and category,
// and returns its id. Empty name or category keep the stored values.
func (s *Store) UpsertSite(ctx context.Context, name, url, category string) (string, error) {
	now := s.millis()
	var id string
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO survey_sites (id, name, url, category, created_at, updated_at)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(url) DO UPDATE SET
				name = CASE WHEN excluded.name = '' THEN survey_sites.name ELSE excluded.name END,
				category = CASE WHEN excluded.category = '' THEN survey_sites.category ELSE excluded.category END,
				updated_at = excluded.updated_at`,
			s.newID(), name, url, category, now, now,
		); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM survey_sites WHERE url = ?`, url).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("store: upsert site %s: %w", url, err)
	}
	return id, nil
}

// RecordSiteResult counts one finished attempt against the site and stores
// the difficulty score of that attempt.
func (s *Store) RecordSiteResult(ctx context.Context, siteID string, success bool, difficulty float64) error {
	won := 0
	if success {
		won = 1
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		UPDATE survey_sites SET
			total_attempts = total_attempts + 1,
			successful_attempts = successful_attempts + ?,
			difficulty_score = ?,
			updated_at = ?
		WHERE id = ?`, won, min(max(difficulty, 0), 1), s.millis(), siteID)
	if err != nil {
		return fmt.Errorf("store: record site result: %w", err)
	}
	return nil
}

const siteColumns = `id, name, url, category, difficulty_score, total_attempts, successful_attempts, created_at, updated_at`

// GetSite returns the site whose URL or name is key.
func (s *Store) GetSite(ctx context.Context, key string) (*Site, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM survey_sites
		WHERE url = ? OR name = ? ORDER BY url = ? DESC, updated_at DESC LIMIT 1`, key, key, key)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get site: %w", err)
	}
	return site, nil
}

// ListSites returns sites, hardest first.
func (s *Store) ListSites(ctx context.Context, limit int) ([]*Site, error) {
	query := `SELECT ` + siteColumns + ` FROM survey_sites ORDER BY difficulty_score DESC, url ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sites: %w", err)
	}
	defer rows.Close()

	var out []*Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSite(r scanner) (*Site, error) {
	var (
		site             Site
		created, updated int64
	)
	if err := r.Scan(&site.ID, &site.Name, &site.URL, &site.Category, &site.DifficultyScore,
		&site.TotalAttempts, &site.SuccessfulAttempts, &created, &updated); err != nil {
		return nil, err
	}
	site.CreatedAt = time.UnixMilli(created).UTC()
	site.UpdatedAt = time.UnixMilli(updated).UTC()
	return &site, nil
}
