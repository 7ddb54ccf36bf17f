// Package speedtest aggregates the fleet's speed-test measurements:
// recent per-machine means, hourly windows, fleet comparisons, and
// z-score anomaly detection.
package speedtest

import (
	"math"
	"sort"
	"time"

	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/store"
)

const (
	recentSampleCount  = 20
	anomalySampleCount = 100
	anomalyZThreshold  = 3.0
)

// MachineMean is the averaged view of one machine's recent samples.
type MachineMean struct {
	MachineID    string  `json:"machine_id"`
	Samples      int     `json:"samples"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMs       float64 `json:"ping_ms"`
}

// Recent20Response is the recent-20 aggregate. The fleet mean is the
// mean of per-machine means, so one chatty machine cannot skew it.
type Recent20Response struct {
	Machines []MachineMean `json:"machines"`
	Fleet    MachineMean   `json:"fleet"`
}

// HourBucket aggregates one hour of samples.
type HourBucket struct {
	Hour         time.Time `json:"hour"`
	Samples      int       `json:"samples"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
}

// Comparison relates one machine's mean to the fleet mean.
type Comparison struct {
	MachineID     string  `json:"machine_id"`
	MachineMean   float64 `json:"machine_mean"`
	FleetMean     float64 `json:"fleet_mean"`
	DownloadDelta float64 `json:"download_delta"`
	UploadDelta   float64 `json:"upload_delta"`
	PingDelta     float64 `json:"ping_delta"`
}

// Anomaly is one sample whose download deviates beyond the z threshold.
type Anomaly struct {
	Timestamp    time.Time `json:"timestamp"`
	DownloadMbps float64   `json:"download_mbps"`
	ZScore       float64   `json:"z_score"`
	Mean         float64   `json:"mean"`
	StdDev       float64   `json:"std_dev"`
}

// Service computes aggregates over the persisted results.
type Service struct {
	db *store.DB
}

// NewService wraps the store's persistence layer.
func NewService(db *store.DB) *Service {
	return &Service{db: db}
}

// Recent20 returns each machine's mean over its last 20 samples plus
// the fleet mean of those means.
func (s *Service) Recent20() (*Recent20Response, error) {
	ids, err := s.db.SpeedtestMachines()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	resp := &Recent20Response{Machines: make([]MachineMean, 0, len(ids))}
	for _, id := range ids {
		results, err := s.db.RecentSpeedtests(id, recentSampleCount)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			continue
		}
		resp.Machines = append(resp.Machines, meanOf(id, results))
	}

	if n := len(resp.Machines); n > 0 {
		for _, m := range resp.Machines {
			resp.Fleet.DownloadMbps += m.DownloadMbps
			resp.Fleet.UploadMbps += m.UploadMbps
			resp.Fleet.PingMs += m.PingMs
			resp.Fleet.Samples += m.Samples
		}
		resp.Fleet.DownloadMbps /= float64(n)
		resp.Fleet.UploadMbps /= float64(n)
		resp.Fleet.PingMs /= float64(n)
	}
	return resp, nil
}

// Summary buckets the window's samples by hour.
func (s *Service) Summary(hours int) ([]HourBucket, error) {
	if hours <= 0 {
		hours = 24
	}
	results, err := s.db.SpeedtestsSince(time.Now().UTC().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		return nil, err
	}

	buckets := make(map[time.Time]*HourBucket)
	for _, r := range results {
		hour := r.Timestamp.Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &HourBucket{Hour: hour}
			buckets[hour] = b
		}
		b.Samples++
		b.DownloadMbps += r.DownloadMbps
		b.UploadMbps += r.UploadMbps
		b.PingMs += r.PingMs
	}

	out := make([]HourBucket, 0, len(buckets))
	for _, b := range buckets {
		b.DownloadMbps /= float64(b.Samples)
		b.UploadMbps /= float64(b.Samples)
		b.PingMs /= float64(b.Samples)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// Comparisons relates each machine's window mean to the fleet mean:
// (machine_mean - fleet_mean) / fleet_mean, per metric.
func (s *Service) Comparisons(hours int) ([]Comparison, error) {
	if hours <= 0 {
		hours = 24
	}
	results, err := s.db.SpeedtestsSince(time.Now().UTC().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		return nil, err
	}

	perMachine := make(map[string][]models.SpeedTestResult)
	for _, r := range results {
		perMachine[r.MachineID] = append(perMachine[r.MachineID], r)
	}
	if len(perMachine) == 0 {
		return nil, nil
	}

	means := make(map[string]MachineMean, len(perMachine))
	var fleet MachineMean
	for id, rs := range perMachine {
		m := meanOf(id, rs)
		means[id] = m
		fleet.DownloadMbps += m.DownloadMbps
		fleet.UploadMbps += m.UploadMbps
		fleet.PingMs += m.PingMs
	}
	n := float64(len(means))
	fleet.DownloadMbps /= n
	fleet.UploadMbps /= n
	fleet.PingMs /= n

	ids := make([]string, 0, len(means))
	for id := range means {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Comparison, 0, len(ids))
	for _, id := range ids {
		m := means[id]
		out = append(out, Comparison{
			MachineID:     id,
			MachineMean:   m.DownloadMbps,
			FleetMean:     fleet.DownloadMbps,
			DownloadDelta: relativeDelta(m.DownloadMbps, fleet.DownloadMbps),
			UploadDelta:   relativeDelta(m.UploadMbps, fleet.UploadMbps),
			PingDelta:     relativeDelta(m.PingMs, fleet.PingMs),
		})
	}
	return out, nil
}

// Anomalies flags samples in the machine's last 100 whose download
// z-score exceeds 3 in magnitude.
func (s *Service) Anomalies(machineID string) ([]Anomaly, error) {
	results, err := s.db.RecentSpeedtests(machineID, anomalySampleCount)
	if err != nil {
		return nil, err
	}
	if len(results) < 2 {
		return nil, nil
	}

	var sum float64
	for _, r := range results {
		sum += r.DownloadMbps
	}
	mean := sum / float64(len(results))

	var variance float64
	for _, r := range results {
		d := r.DownloadMbps - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(results)))
	if stddev == 0 {
		return nil, nil
	}

	var anomalies []Anomaly
	for _, r := range results {
		z := (r.DownloadMbps - mean) / stddev
		if math.Abs(z) > anomalyZThreshold {
			anomalies = append(anomalies, Anomaly{
				Timestamp:    r.Timestamp,
				DownloadMbps: r.DownloadMbps,
				ZScore:       z,
				Mean:         mean,
				StdDev:       stddev,
			})
		}
	}
	return anomalies, nil
}

func meanOf(machineID string, results []models.SpeedTestResult) MachineMean {
	m := MachineMean{MachineID: machineID, Samples: len(results)}
	for _, r := range results {
		m.DownloadMbps += r.DownloadMbps
		m.UploadMbps += r.UploadMbps
		m.PingMs += r.PingMs
	}
	n := float64(len(results))
	m.DownloadMbps /= n
	m.UploadMbps /= n
	m.PingMs /= n
	return m
}

func relativeDelta(value, fleet float64) float64 {
	if fleet == 0 {
		return 0
	}
	return (value - fleet) / fleet
}
