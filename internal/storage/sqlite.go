package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/pulse"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    coil_address INTEGER NOT NULL,
    value INTEGER NOT NULL,
    modbus_type TEXT NOT NULL,
    target TEXT NOT NULL
);`

const insertSQL = `INSERT INTO samples(timestamp, coil_address, value, modbus_type, target) VALUES(?, ?, ?, ?, ?)`

// SQLiteSink writes samples into one database per day,
// <dir>/plc_data_YYYY-MM-DD.db.
type SQLiteSink struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewSQLiteSink(dir string) *SQLiteSink {
	return &SQLiteSink{dir: dir, dbs: make(map[string]*sql.DB)}
}

func (s *SQLiteSink) FileFor(t time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("plc_data_%s.db", t.Local().Format(dayLayout)))
}

func (s *SQLiteSink) Append(sample pulse.Sample, cfg config.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.FileFor(sample.Timestamp)
	db, err := s.open(path)
	if err != nil {
		return &pulse.SinkError{Path: path, Err: err}
	}

	value := 0
	if sample.Value {
		value = 1
	}
	_, err = db.Exec(insertSQL,
		sample.Timestamp.Local().Format(time.RFC3339Nano),
		cfg.CoilAddress,
		value,
		string(cfg.ModbusType),
		cfg.Target(),
	)
	if err != nil {
		return &pulse.SinkError{Path: path, Err: err}
	}
	return nil
}

// open returns the handle for path, creating the database and table on
// first use. Handles for earlier days are closed.
func (s *SQLiteSink) open(path string) (*sql.DB, error) {
	if db, ok := s.dbs[path]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}

	for old, prev := range s.dbs {
		prev.Close()
		delete(s.dbs, old)
	}
	s.dbs[path] = db
	logging.Info("Opened sample database", "path", path)
	return db, nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, path)
	}
	return firstErr
}
