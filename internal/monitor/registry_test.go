package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/sensors"
)

func TestRegisterAllRegistersEveryMonitor(t *testing.T) {
	r := testRuntime(t)
	prober := sensors.NewNetProber(time.Minute, true)
	defer prober.Stop()

	if err := RegisterAll(r, DefaultRegistryConfig(), prober, Probes{}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	want := []models.MonitorKind{
		models.MonitorSystem, models.MonitorVPN, models.MonitorSaaS,
		models.MonitorNetworkQuality, models.MonitorWifiRoaming, models.MonitorSecurity,
		models.MonitorApplication, models.MonitorDiskHealth, models.MonitorPeripheral,
		models.MonitorPower, models.MonitorDisplay, models.MonitorSoftwareInventory,
	}
	got := r.Kinds()
	if len(got) != len(want) {
		t.Fatalf("registered %d monitors, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("monitor %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUnwiredProbesDegradeNotCrash(t *testing.T) {
	r := testRuntime(t)
	prober := sensors.NewNetProber(time.Minute, true)
	defer prober.Stop()

	if err := RegisterAll(r, DefaultRegistryConfig(), prober, Probes{}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	e := r.entries[models.MonitorVPN]
	r.sampleOnce(context.Background(), e)

	health, _ := r.Health(models.MonitorVPN)
	if health.Failures != 1 || health.LastFailure != sensors.ProbeUnavailable {
		t.Errorf("health = %+v, want one probe_unavailable failure", health)
	}
	if _, ok := r.GetLatest(models.MonitorVPN); ok {
		t.Error("unavailable probe produced a snapshot")
	}
}

func TestStickySamplerRequiresSustainedWeakSignal(t *testing.T) {
	weak := &models.WifiRoamingSnapshot{
		CurrentBSSID: "aa:bb:cc:dd:ee:ff",
		RSSI:         -80,
		Neighbors: []models.WifiNeighbor{
			{BSSID: "11:11:11:11:11:11", RSSI: -60},
			{BSSID: "22:22:22:22:22:22", RSSI: -65},
		},
	}
	probe := sensors.StaticProbe("wifi_roaming", weak)

	sampler := stickySampler(probe, StickyThresholds{RSSIDBm: -75, Duration: 50 * time.Millisecond, StrongerNeighbors: 2})

	snap, err := sampler(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if snap.(*models.WifiRoamingSnapshot).Sticky {
		t.Error("sticky on first weak sample; threshold duration not yet met")
	}

	time.Sleep(60 * time.Millisecond)
	snap, err = sampler(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if !snap.(*models.WifiRoamingSnapshot).Sticky {
		t.Error("not sticky after sustained weak signal with stronger neighbors")
	}
}

func TestStickySamplerResetsOnRecovery(t *testing.T) {
	weak := &models.WifiRoamingSnapshot{
		RSSI: -80,
		Neighbors: []models.WifiNeighbor{
			{RSSI: -60}, {RSSI: -62},
		},
	}
	strong := &models.WifiRoamingSnapshot{RSSI: -55}

	current := weak
	probe := sensors.ProbeFunc{
		ProbeName: "wifi_roaming",
		Fn: func(ctx context.Context) (models.Snapshot, error) {
			// Copy so the detector's mutation does not leak between samples.
			c := *current
			return &c, nil
		},
	}
	sampler := stickySampler(probe, StickyThresholds{RSSIDBm: -75, Duration: 0, StrongerNeighbors: 2})

	snap, _ := sampler(context.Background())
	if !snap.(*models.WifiRoamingSnapshot).Sticky {
		t.Fatal("zero-duration threshold should mark sticky immediately")
	}

	current = strong
	snap, _ = sampler(context.Background())
	if snap.(*models.WifiRoamingSnapshot).Sticky {
		t.Error("still sticky after signal recovered")
	}

	current = weak
	snap, _ = sampler(context.Background())
	if !snap.(*models.WifiRoamingSnapshot).Sticky {
		t.Error("detector did not rearm after recovery")
	}
}

func TestStickySamplerIgnoresWeakSignalWithoutNeighbors(t *testing.T) {
	lonely := &models.WifiRoamingSnapshot{RSSI: -85}
	sampler := stickySampler(sensors.StaticProbe("wifi_roaming", lonely), StickyThresholds{RSSIDBm: -75, Duration: 0, StrongerNeighbors: 2})

	snap, _ := sampler(context.Background())
	if snap.(*models.WifiRoamingSnapshot).Sticky {
		t.Error("sticky with no stronger neighbors visible")
	}
}

func TestSystemRecordFormatsMetricFields(t *testing.T) {
	got := systemRecord(&models.MetricReport{
		UptimeSeconds: 3600,
		CPU:           models.CPUMetrics{Percent: 42.5},
		Memory:        models.MemoryMetrics{Percent: 61.25},
		Disk:          models.DiskMetrics{Percent: 70},
		Network:       models.NetworkMetrics{BytesSent: 1000, BytesRecv: 2000},
	})
	want := []string{"42.50", "61.25", "70.00", "1000", "2000", "3600"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d = %q, want %q", i, got[i], want[i])
		}
	}
}
