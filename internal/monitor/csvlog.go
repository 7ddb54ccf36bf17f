package monitor

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// csvTimeFormat is the timestamp layout of the first column of every record.
const csvTimeFormat = time.RFC3339

// CSVLog is the append-only sample log of one monitor. The header is
// written once on creation and records are never edited in place. A
// single goroutine (the owning monitor's worker) appends; queries open
// their own read handle.
type CSVLog struct {
	path   string
	file   *os.File
	writer *csv.Writer
	header []string
}

// OpenCSVLog opens (or creates) the log for a monitor, writing the
// header if the file is new.
func OpenCSVLog(dir, name string, header []string) (*CSVLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create csv directory: %w", err)
	}

	path := filepath.Join(dir, name+".csv")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open csv log %s: %w", path, err)
	}

	l := &CSVLog{
		path:   path,
		file:   file,
		writer: csv.NewWriter(file),
		header: append([]string{"timestamp"}, header...),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat csv log %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := l.writer.Write(l.header); err != nil {
			file.Close()
			return nil, fmt.Errorf("write csv header %s: %w", path, err)
		}
		l.writer.Flush()
		if err := l.writer.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("flush csv header %s: %w", path, err)
		}
	}

	return l, nil
}

// Append writes one record with its sample timestamp. Write failures
// drop the record and are reported to the caller for counting; they
// never block sampling.
func (l *CSVLog) Append(ts time.Time, fields []string) error {
	record := make([]string, 0, len(fields)+1)
	record = append(record, ts.UTC().Format(csvTimeFormat))
	record = append(record, fields...)

	if len(record) != len(l.header) {
		return fmt.Errorf("csv record has %d fields, schema declares %d", len(record), len(l.header))
	}

	if err := l.writer.Write(record); err != nil {
		return fmt.Errorf("append csv record: %w", err)
	}
	l.writer.Flush()
	return l.writer.Error()
}

// Close flushes and closes the underlying file.
func (l *CSVLog) Close() error {
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Row is one record read back from a CSV log.
type Row struct {
	Timestamp time.Time
	Fields    []string
}

// QueryRange reads records whose timestamp falls within [t0, t1].
func (l *CSVLog) QueryRange(t0, t1 time.Time) ([]Row, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open csv log for read: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv log: %w", err)
	}

	var rows []Row
	for i, record := range records {
		if i == 0 || len(record) == 0 {
			continue // header
		}
		ts, err := time.Parse(csvTimeFormat, record[0])
		if err != nil {
			log.Debug().Str("path", l.path).Int("line", i+1).Msg("Skipping unparseable csv record")
			continue
		}
		if ts.Before(t0) || ts.After(t1) {
			continue
		}
		rows = append(rows, Row{Timestamp: ts, Fields: record[1:]})
	}
	return rows, nil
}
