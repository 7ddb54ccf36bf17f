package store

import (
	"sync"
	"time"

	"github.com/atlasfleet/atlas/internal/models"
)

// HistoryPoint is one entry in a machine's metrics history.
type HistoryPoint struct {
	Timestamp time.Time            `json:"timestamp"`
	Metrics   *models.MetricReport `json:"metrics"`
}

// historyRing is a fixed-size ring of history points. Oldest evicted on
// push. Not safe for concurrent use; the owning entry's mutex guards it.
type historyRing struct {
	buf   []HistoryPoint
	head  int
	count int
}

func newHistoryRing(size int) *historyRing {
	if size <= 0 {
		size = 1000
	}
	return &historyRing{buf: make([]HistoryPoint, size)}
}

func (r *historyRing) push(p HistoryPoint) {
	r.buf[(r.head+r.count)%len(r.buf)] = p
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *historyRing) len() int { return r.count }

// oldest returns the timestamp of the oldest retained point.
func (r *historyRing) oldest() (time.Time, bool) {
	if r.count == 0 {
		return time.Time{}, false
	}
	return r.buf[r.head].Timestamp, true
}

// since copies points at or after t, oldest first.
func (r *historyRing) since(t time.Time) []HistoryPoint {
	out := make([]HistoryPoint, 0, r.count)
	for i := 0; i < r.count; i++ {
		p := r.buf[(r.head+i)%len(r.buf)]
		if !p.Timestamp.Before(t) {
			out = append(out, p)
		}
	}
	return out
}

// machineEntry is the live state of one machine. The registry's RWMutex
// guards the map; each entry's own mutex serializes its mutation so
// reports from distinct machines ingest in parallel.
type machineEntry struct {
	mu sync.Mutex

	machine        models.Machine
	latestMetrics  *models.MetricReport
	latestMonitors *models.MonitorSet
	history        *historyRing

	// pending commands, oldest first
	commands []*models.Command

	// in-flight ingestions, for backpressure
	inflight int
}

// MachineDetail is a read-time copy of one machine's live state.
type MachineDetail struct {
	Machine        models.Machine       `json:"machine"`
	LatestMetrics  *models.MetricReport `json:"latest_metrics,omitempty"`
	LatestMonitors *models.MonitorSet   `json:"latest_monitors,omitempty"`
}

// snapshot copies the entry under its lock so readers never observe a
// partial mutation.
func (e *machineEntry) snapshot(interval time.Duration, now time.Time) MachineDetail {
	e.mu.Lock()
	defer e.mu.Unlock()

	machine := e.machine
	machine.Status = models.DeriveStatus(machine.LastSeen, interval, now)
	return MachineDetail{
		Machine:        machine,
		LatestMetrics:  e.latestMetrics,
		LatestMonitors: e.latestMonitors,
	}
}

func (e *machineEntry) summary(interval time.Duration, now time.Time) models.MachineSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := models.MachineSummary{
		MachineID: e.machine.MachineID,
		Hostname:  e.machine.Info.Hostname,
		OS:        e.machine.Info.OS,
		Status:    models.DeriveStatus(e.machine.LastSeen, interval, now),
		LastSeen:  e.machine.LastSeen,
	}
	if m := e.latestMetrics; m != nil {
		s.CPUPercent = m.CPU.Percent
		s.MemoryPercent = m.Memory.Percent
		s.DiskPercent = m.Disk.Percent
	}
	return s
}
