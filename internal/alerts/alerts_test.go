package alerts

import (
	"testing"
	"time"

	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/store"
)

func detail(status models.Status, metrics *models.MetricReport) store.MachineDetail {
	return store.MachineDetail{
		Machine: models.Machine{
			MachineID: "mac-01",
			Status:    status,
			LastSeen:  time.Now().UTC(),
		},
		LatestMetrics: metrics,
	}
}

func kinds(alerts []models.Alert) map[models.AlertKind]models.Alert {
	m := make(map[models.AlertKind]models.Alert, len(alerts))
	for _, a := range alerts {
		m[a.Kind] = a
	}
	return m
}

func TestEvaluateThresholdAlerts(t *testing.T) {
	e := NewEvaluator(config.DefaultAlertThresholds())
	temp := 90.0
	got := kinds(e.Evaluate(detail(models.StatusOnline, &models.MetricReport{
		CPU:          models.CPUMetrics{Percent: 95},
		Memory:       models.MemoryMetrics{Percent: 91},
		Disk:         models.DiskMetrics{Percent: 50},
		Battery:      &models.BatteryMetrics{Percent: 5, Charging: false},
		TemperatureC: &temp,
	})))

	for _, kind := range []models.AlertKind{models.AlertCPUHigh, models.AlertMemoryHigh, models.AlertBatteryLow, models.AlertTempHigh} {
		if _, ok := got[kind]; !ok {
			t.Errorf("missing alert %s", kind)
		}
	}
	if _, ok := got[models.AlertDiskHigh]; ok {
		t.Error("disk alert fired below threshold")
	}
	if got[models.AlertCPUHigh].Severity != models.SeverityCritical {
		t.Errorf("cpu at 95 severity = %s, want critical", got[models.AlertCPUHigh].Severity)
	}
	if got[models.AlertMemoryHigh].Severity != models.SeverityWarning {
		t.Errorf("memory at 91 severity = %s, want warning", got[models.AlertMemoryHigh].Severity)
	}
}

func TestChargingBatterySuppressesLowAlert(t *testing.T) {
	e := NewEvaluator(config.DefaultAlertThresholds())
	got := kinds(e.Evaluate(detail(models.StatusOnline, &models.MetricReport{
		Battery: &models.BatteryMetrics{Percent: 5, Charging: true},
	})))
	if _, ok := got[models.AlertBatteryLow]; ok {
		t.Error("battery_low fired while charging")
	}
}

func TestOfflineAndMonitorDerivedAlerts(t *testing.T) {
	e := NewEvaluator(config.DefaultAlertThresholds())
	d := detail(models.StatusOffline, nil)
	d.LatestMonitors = &models.MonitorSet{
		DiskHealth:  &models.DiskHealthSnapshot{Disks: []models.DiskSmart{{Device: "disk0", Healthy: false}}},
		Application: &models.ApplicationSnapshot{Crashes24h: 7},
	}

	got := kinds(e.Evaluate(d))
	for _, kind := range []models.AlertKind{models.AlertOffline, models.AlertFailedDisk, models.AlertAppCrashesHigh} {
		if _, ok := got[kind]; !ok {
			t.Errorf("missing alert %s", kind)
		}
	}
	if got[models.AlertOffline].Severity != models.SeverityWarning {
		t.Error("offline alert should be a warning")
	}
	if got[models.AlertFailedDisk].Severity != models.SeverityCritical {
		t.Error("failed disk alert should be critical")
	}
}

func TestHealthyMachineHasNoAlerts(t *testing.T) {
	e := NewEvaluator(config.DefaultAlertThresholds())
	alerts := e.Evaluate(detail(models.StatusOnline, &models.MetricReport{
		CPU:    models.CPUMetrics{Percent: 20},
		Memory: models.MemoryMetrics{Percent: 40},
		Disk:   models.DiskMetrics{Percent: 60},
	}))
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none", alerts)
	}
}

func TestCustomThresholds(t *testing.T) {
	e := NewEvaluator(config.AlertThresholds{CPU: 50, Memory: 90, Disk: 90, Battery: 10, Temp: 85, Crashes24h: 5})
	got := kinds(e.Evaluate(detail(models.StatusOnline, &models.MetricReport{
		CPU: models.CPUMetrics{Percent: 60},
	})))
	if _, ok := got[models.AlertCPUHigh]; !ok {
		t.Error("lowered cpu threshold not honored")
	}
}
