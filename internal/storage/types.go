package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrHistoryFinal is returned when updating a history that already
	// reached a terminal status.
	ErrHistoryFinal = errors.New("history already final")
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// HistoryFilter narrows ListHistories. Zero values match everything.
type HistoryFilter struct {
	JobID  string
	Status string
	Limit  int // default 50
}

// Branch is one cached source-control branch of a project.
type Branch struct {
	Project string
	Name    string
}
