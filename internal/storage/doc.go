// Package storage persists report definitions, execution histories and the
// branch cache in a single SQLite database.
package storage
