package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"reportbot/internal/report"
)

func (s *Store) InsertHistory(ctx context.Context, h *report.History) error {
	body, err := json.Marshal(h)
	if err != nil {
		return errors.Wrapf(err, "encode history %s", h.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO histories(id, job_id, status, sent_time, body, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		h.ID, h.JobID, string(h.Status), nullTime(h.SentTime), string(body),
		formatTime(h.CreatedAt), formatTime(h.UpdatedAt),
	)
	return errors.Wrapf(err, "insert history %s", h.ID)
}

// UpdateHistory writes h over a PENDING row. A row that is already terminal
// is left untouched and ErrHistoryFinal is returned.
func (s *Store) UpdateHistory(ctx context.Context, h *report.History) error {
	body, err := json.Marshal(h)
	if err != nil {
		return errors.Wrapf(err, "encode history %s", h.ID)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE histories SET status=?, sent_time=?, body=?, updated_at=?
		 WHERE id = ? AND status = ?`,
		string(h.Status), nullTime(h.SentTime), string(body), formatTime(h.UpdatedAt),
		h.ID, string(report.HistoryPending),
	)
	if err != nil {
		return errors.Wrapf(err, "update history %s", h.ID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM histories WHERE id = ?`, h.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "history %s", h.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "update history %s", h.ID)
	}
	return errors.Wrapf(ErrHistoryFinal, "history %s is %s", h.ID, status)
}

func (s *Store) FindHistory(ctx context.Context, id string) (report.History, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM histories WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return report.History{}, errors.Wrapf(ErrNotFound, "history %s", id)
	}
	if err != nil {
		return report.History{}, errors.Wrapf(err, "find history %s", id)
	}
	var h report.History
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		return report.History{}, errors.Wrap(err, "decode history")
	}
	return h, nil
}

// ListHistories returns the newest histories first.
func (s *Store) ListHistories(ctx context.Context, f HistoryFilter) ([]report.History, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT body FROM histories WHERE 1=1`
	var args []any
	if f.JobID != "" {
		q += ` AND job_id = ?`
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query histories")
	}
	defer rows.Close()

	var out []report.History
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		var h report.History
		if err := json.Unmarshal([]byte(body), &h); err != nil {
			return nil, errors.Wrap(err, "decode history")
		}
		out = append(out, h)
	}
	return out, errors.Wrap(rows.Err(), "iterate histories")
}
