// Package alerts derives alert conditions from a machine's latest
// snapshot at read time. Nothing is persisted; an alert exists exactly
// as long as the condition it describes.
package alerts

import (
	"time"

	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/store"
)

// Evaluator derives alerts against configured thresholds.
type Evaluator struct {
	thresholds config.AlertThresholds
}

// NewEvaluator builds an evaluator. Zero thresholds fall back to the
// shipped defaults.
func NewEvaluator(thresholds config.AlertThresholds) *Evaluator {
	defaults := config.DefaultAlertThresholds()
	if thresholds.CPU <= 0 {
		thresholds.CPU = defaults.CPU
	}
	if thresholds.Memory <= 0 {
		thresholds.Memory = defaults.Memory
	}
	if thresholds.Disk <= 0 {
		thresholds.Disk = defaults.Disk
	}
	if thresholds.Battery <= 0 {
		thresholds.Battery = defaults.Battery
	}
	if thresholds.Temp <= 0 {
		thresholds.Temp = defaults.Temp
	}
	if thresholds.Crashes24h <= 0 {
		thresholds.Crashes24h = defaults.Crashes24h
	}
	return &Evaluator{thresholds: thresholds}
}

// Evaluate derives the active alerts for one machine.
func (e *Evaluator) Evaluate(d store.MachineDetail) []models.Alert {
	var alerts []models.Alert
	machineID := d.Machine.MachineID
	since := d.Machine.LastSeen

	if d.Machine.Status == models.StatusOffline {
		alerts = append(alerts, models.Alert{
			MachineID: machineID,
			Kind:      models.AlertOffline,
			Severity:  models.SeverityWarning,
			Since:     since,
		})
	}

	if m := d.LatestMetrics; m != nil {
		if m.CPU.Percent >= e.thresholds.CPU {
			alerts = append(alerts, metricAlert(machineID, models.AlertCPUHigh, m.CPU.Percent, e.thresholds.CPU, since))
		}
		if m.Memory.Percent >= e.thresholds.Memory {
			alerts = append(alerts, metricAlert(machineID, models.AlertMemoryHigh, m.Memory.Percent, e.thresholds.Memory, since))
		}
		if m.Disk.Percent >= e.thresholds.Disk {
			alerts = append(alerts, metricAlert(machineID, models.AlertDiskHigh, m.Disk.Percent, e.thresholds.Disk, since))
		}
		if m.Battery != nil && !m.Battery.Charging && m.Battery.Percent <= e.thresholds.Battery {
			alerts = append(alerts, models.Alert{
				MachineID: machineID,
				Kind:      models.AlertBatteryLow,
				Severity:  models.SeverityWarning,
				Observed:  m.Battery.Percent,
				Threshold: e.thresholds.Battery,
				Since:     since,
			})
		}
		if m.TemperatureC != nil && *m.TemperatureC >= e.thresholds.Temp {
			alerts = append(alerts, metricAlert(machineID, models.AlertTempHigh, *m.TemperatureC, e.thresholds.Temp, since))
		}
	}

	if mon := d.LatestMonitors; mon != nil {
		if dh := mon.DiskHealth; dh != nil {
			for _, disk := range dh.Disks {
				if !disk.Healthy {
					alerts = append(alerts, models.Alert{
						MachineID: machineID,
						Kind:      models.AlertFailedDisk,
						Severity:  models.SeverityCritical,
						Since:     since,
					})
					break
				}
			}
		}
		if app := mon.Application; app != nil && app.Crashes24h >= e.thresholds.Crashes24h {
			alerts = append(alerts, models.Alert{
				MachineID: machineID,
				Kind:      models.AlertAppCrashesHigh,
				Severity:  models.SeverityWarning,
				Observed:  float64(app.Crashes24h),
				Threshold: float64(e.thresholds.Crashes24h),
				Since:     since,
			})
		}
	}

	return alerts
}

// EvaluateFleet derives alerts for every machine.
func (e *Evaluator) EvaluateFleet(details []store.MachineDetail) []models.Alert {
	var alerts []models.Alert
	for _, d := range details {
		alerts = append(alerts, e.Evaluate(d)...)
	}
	return alerts
}

func metricAlert(machineID string, kind models.AlertKind, observed, threshold float64, since time.Time) models.Alert {
	severity := models.SeverityWarning
	if observed >= threshold+5 {
		severity = models.SeverityCritical
	}
	return models.Alert{
		MachineID: machineID,
		Kind:      kind,
		Severity:  severity,
		Observed:  observed,
		Threshold: threshold,
		Since:     since,
	}
}
