package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCSVLogWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenCSVLog(dir, "system", []string{"cpu", "mem"})
	if err != nil {
		t.Fatalf("OpenCSVLog: %v", err)
	}
	if err := l.Append(time.Now(), []string{"42.00", "17.00"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the header must not be written a second time.
	l, err = OpenCSVLog(dir, "system", []string{"cpu", "mem"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := l.Append(time.Now(), []string{"43.00", "18.00"}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	l.Close()

	data, err := os.ReadFile(filepath.Join(dir, "system.csv"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if got := strings.Count(content, "timestamp,cpu,mem"); got != 1 {
		t.Errorf("header written %d times, want 1\n%s", got, content)
	}
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) != 3 {
		t.Errorf("got %d lines, want header plus 2 records", len(lines))
	}
}

func TestCSVLogRejectsWrongFieldCount(t *testing.T) {
	l, err := OpenCSVLog(t.TempDir(), "system", []string{"cpu", "mem"})
	if err != nil {
		t.Fatalf("OpenCSVLog: %v", err)
	}
	defer l.Close()

	if err := l.Append(time.Now(), []string{"42.00"}); err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestCSVLogQueryRange(t *testing.T) {
	l, err := OpenCSVLog(t.TempDir(), "power", []string{"pct"})
	if err != nil {
		t.Fatalf("OpenCSVLog: %v", err)
	}
	defer l.Close()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := l.Append(base.Add(time.Duration(i)*time.Minute), []string{"90.00"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	rows, err := l.QueryRange(base.Add(time.Minute), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (range is inclusive)", len(rows))
	}
	if !rows[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("first row at %v, want %v", rows[0].Timestamp, base.Add(time.Minute))
	}
	if rows[0].Fields[0] != "90.00" {
		t.Errorf("fields = %v", rows[0].Fields)
	}
}
