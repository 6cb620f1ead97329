package storage

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
)

// ReplaceBranches swaps the whole branch cache for byProject in one
// transaction.
func (s *Store) ReplaceBranches(ctx context.Context, byProject map[string][]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM branches`); err != nil {
		return errors.Wrap(err, "clear branches")
	}
	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	for _, p := range projects {
		for _, b := range byProject[p] {
			if b == "" {
				continue
			}
			if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO branches(project, name) VALUES(?,?)`, p, b); err != nil {
				return errors.Wrapf(err, "insert branch %s/%s", p, b)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit branches")
}

// ListBranches returns cached branches, optionally for one project.
func (s *Store) ListBranches(ctx context.Context, project string) ([]Branch, error) {
	q := `SELECT project, name FROM branches`
	var args []any
	if project != "" {
		q += ` WHERE project = ?`
		args = append(args, project)
	}
	q += ` ORDER BY project, name`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query branches")
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.Project, &b.Name); err != nil {
			return nil, errors.Wrap(err, "scan branch")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "iterate branches")
}
