package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/report"
)

// SaveDefinition inserts or replaces def. CreatedAt is kept from the first
// save; UpdatedAt is set to now.
func (s *Store) SaveDefinition(ctx context.Context, def *report.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	body, err := json.Marshal(def)
	if err != nil {
		return errors.Wrapf(err, "encode definition %s", def.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions(id, status, report_type, body, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, report_type=excluded.report_type,
		   body=excluded.body, updated_at=excluded.updated_at`,
		def.ID, string(def.Status), string(def.Type), string(body),
		formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)
	return errors.Wrapf(err, "save definition %s", def.ID)
}

func (s *Store) FindDefinition(ctx context.Context, id string) (report.Definition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM definitions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Definition{}, errors.Wrapf(ErrNotFound, "definition %s", id)
	}
	if err != nil {
		return report.Definition{}, errors.Wrapf(err, "find definition %s", id)
	}
	return decodeDefinition(body)
}

// FindEnabledDefinitions returns every ENABLED definition ordered by id.
func (s *Store) FindEnabledDefinitions(ctx context.Context) ([]report.Definition, error) {
	return s.queryDefinitions(ctx, `SELECT body FROM definitions WHERE status = ? ORDER BY id`, string(report.StatusEnabled))
}

func (s *Store) FindDefinitionsByType(ctx context.Context, types ...report.Type) ([]report.Definition, error) {
	if len(types) == 0 {
		return s.queryDefinitions(ctx, `SELECT body FROM definitions ORDER BY id`)
	}
	q := `SELECT body FROM definitions WHERE report_type IN (?` + repeatPlaceholders(len(types)-1) + `) ORDER BY id`
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = string(t)
	}
	return s.queryDefinitions(ctx, q, args...)
}

// DeleteDefinition removes id. Deleting a missing id is not an error.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	return errors.Wrapf(err, "delete definition %s", id)
}

func (s *Store) queryDefinitions(ctx context.Context, q string, args ...any) ([]report.Definition, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query definitions")
	}
	defer rows.Close()

	var out []report.Definition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan definition")
		}
		def, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, errors.Wrap(rows.Err(), "iterate definitions")
}

func decodeDefinition(body string) (report.Definition, error) {
	var def report.Definition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return report.Definition{}, errors.Wrap(err, "decode definition")
	}
	return def, nil
}

func repeatPlaceholders(n int) string {
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		b = append(b, ",?"...)
	}
	return string(b)
}
