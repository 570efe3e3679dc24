package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/pulse"
)

var csvHeader = []string{"timestamp", "coil_address", "value"}

// CSVSink appends one row per sample to <dir>/plc_data_YYYY-MM-DD.csv,
// keyed by the sample's local date. The header is written when a file is
// created.
type CSVSink struct {
	dir string
	mu  sync.Mutex
}

func NewCSVSink(dir string) *CSVSink {
	return &CSVSink{dir: dir}
}

func (s *CSVSink) FileFor(t time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("plc_data_%s.csv", t.Local().Format(dayLayout)))
}

func (s *CSVSink) Append(sample pulse.Sample, cfg config.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.FileFor(sample.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &pulse.SinkError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &pulse.SinkError{Path: path, Err: err}
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return &pulse.SinkError{Path: path, Err: err}
		}
	}
	row := []string{
		sample.Timestamp.Local().Format(time.RFC3339Nano),
		strconv.Itoa(cfg.CoilAddress),
		strconv.FormatBool(sample.Value),
	}
	if err := w.Write(row); err != nil {
		return &pulse.SinkError{Path: path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &pulse.SinkError{Path: path, Err: err}
	}
	return nil
}

func (s *CSVSink) Close() error { return nil }
