package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default for production)
//   - "memory": process-local map; history is lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Stats summarizes the processed-record set for diagnostics.
type Stats struct {
	Total int64
	Today int64
}
