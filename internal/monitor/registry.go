package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/sensors"
)

// Intervals for the registered monitors, in the order they ship.
const (
	systemInterval            = 5 * time.Second
	vpnInterval               = 30 * time.Second
	saasInterval              = 60 * time.Second
	networkQualityInterval    = 60 * time.Second
	wifiRoamingInterval       = 5 * time.Second
	securityInterval          = 300 * time.Second
	applicationInterval       = 60 * time.Second
	diskHealthInterval        = 300 * time.Second
	peripheralInterval        = 60 * time.Second
	powerInterval             = 60 * time.Second
	displayInterval           = 300 * time.Second
	softwareInventoryInterval = 3600 * time.Second
)

// StickyThresholds configures sticky-client detection in the wifi
// monitor: an association is sticky after RSSI stays at or below
// RSSIDBm for at least Duration while at least StrongerNeighbors
// stronger BSSes are visible.
type StickyThresholds struct {
	RSSIDBm           int
	Duration          time.Duration
	StrongerNeighbors int
}

// DefaultStickyThresholds returns the shipped defaults.
func DefaultStickyThresholds() StickyThresholds {
	return StickyThresholds{RSSIDBm: -75, Duration: 60 * time.Second, StrongerNeighbors: 2}
}

// Probes carries the platform probes backing the specialised monitors.
// Nil fields degrade to probe_unavailable, which keeps the monitor
// registered but permanently degraded on hosts without the probe.
type Probes struct {
	VPN               sensors.Probe
	WifiRoaming       sensors.Probe
	Security          sensors.Probe
	Application       sensors.Probe
	DiskHealth        sensors.Probe
	Peripheral        sensors.Probe
	Display           sensors.Probe
	SoftwareInventory sensors.Probe
	Power             sensors.Probe
}

func (p Probes) orUnavailable(probe sensors.Probe, name string) sensors.Probe {
	if probe == nil {
		return sensors.UnavailableProbe(name)
	}
	return probe
}

// RegistryConfig configures the built-in samplers.
type RegistryConfig struct {
	SaaSEndpoints map[string]string // name -> URL
	Resolvers     []string          // hostnames probed for DNS latency
	QualityURL    string            // URL timed for tls/http latency
	Sticky        StickyThresholds
}

// DefaultRegistryConfig returns the shipped probe targets.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SaaSEndpoints: map[string]string{
			"google-workspace": "https://www.googleapis.com/generate_204",
			"microsoft-365":    "https://outlook.office365.com",
			"slack":            "https://slack.com",
			"zoom":             "https://zoom.us",
		},
		Resolvers:  []string{"www.example.com"},
		QualityURL: "https://www.example.com",
		Sticky:     DefaultStickyThresholds(),
	}
}

// RegisterAll registers the full monitor set on the runtime.
func RegisterAll(r *Runtime, cfg RegistryConfig, prober *sensors.NetProber, probes Probes) error {
	if probes.Power == nil {
		probes.Power = sensors.PowerProbe()
	}

	monitors := []Monitor{
		{
			Kind:     models.MonitorSystem,
			Interval: systemInterval,
			Sampler: func(ctx context.Context) (models.Snapshot, error) {
				return sensors.CollectSystem(ctx)
			},
			CSVHeader: []string{"cpu_percent", "memory_percent", "disk_percent", "net_bytes_sent", "net_bytes_recv", "uptime_seconds"},
			CSVRecord: systemRecord,
		},
		{
			Kind:      models.MonitorVPN,
			Interval:  vpnInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.VPN, "vpn")),
			CSVHeader: []string{"active_clients", "rx_bytes", "tx_bytes"},
			CSVRecord: vpnRecord,
		},
		{
			Kind:      models.MonitorSaaS,
			Interval:  saasInterval,
			Sampler:   saasSampler(prober, cfg.SaaSEndpoints),
			CSVHeader: []string{"endpoints", "reachable", "mean_latency_ms"},
			CSVRecord: saasRecord,
		},
		{
			Kind:      models.MonitorNetworkQuality,
			Interval:  networkQualityInterval,
			Sampler:   qualitySampler(prober, cfg.Resolvers, cfg.QualityURL),
			CSVHeader: []string{"dns_ms", "tls_ms", "http_ms"},
			CSVRecord: qualityRecord,
		},
		{
			Kind:      models.MonitorWifiRoaming,
			Interval:  wifiRoamingInterval,
			Sampler:   stickySampler(probes.orUnavailable(probes.WifiRoaming, "wifi_roaming"), cfg.Sticky),
			CSVHeader: []string{"bssid", "rssi", "channel_util", "neighbors", "sticky"},
			CSVRecord: wifiRecord,
		},
		{
			Kind:      models.MonitorSecurity,
			Interval:  securityInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.Security, "security")),
			CSVHeader: []string{"firewall", "filevault", "gatekeeper", "sip", "pending_updates", "score"},
			CSVRecord: securityRecord,
		},
		{
			Kind:      models.MonitorApplication,
			Interval:  applicationInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.Application, "application")),
			CSVHeader: []string{"crashes_24h", "hangs"},
			CSVRecord: applicationRecord,
		},
		{
			Kind:      models.MonitorDiskHealth,
			Interval:  diskHealthInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.DiskHealth, "disk_health")),
			CSVHeader: []string{"disks", "unhealthy", "io_latency_ms"},
			CSVRecord: diskHealthRecord,
		},
		{
			Kind:      models.MonitorPeripheral,
			Interval:  peripheralInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.Peripheral, "peripheral")),
			CSVHeader: []string{"bluetooth", "usb", "thunderbolt"},
			CSVRecord: peripheralRecord,
		},
		{
			Kind:      models.MonitorPower,
			Interval:  powerInterval,
			Sampler:   probeSampler(probes.Power),
			CSVHeader: []string{"battery_pct", "charging", "cycles", "health_pct"},
			CSVRecord: powerRecord,
		},
		{
			Kind:      models.MonitorDisplay,
			Interval:  displayInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.Display, "display")),
			CSVHeader: []string{"displays", "gpu"},
			CSVRecord: displayRecord,
		},
		{
			Kind:      models.MonitorSoftwareInventory,
			Interval:  softwareInventoryInterval,
			Sampler:   probeSampler(probes.orUnavailable(probes.SoftwareInventory, "software_inventory")),
			CSVHeader: []string{"apps", "extensions"},
			CSVRecord: inventoryRecord,
		},
	}

	for _, m := range monitors {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func probeSampler(probe sensors.Probe) Sampler {
	return func(ctx context.Context) (models.Snapshot, error) {
		return probe.Sample(ctx)
	}
}

func saasSampler(prober *sensors.NetProber, endpoints map[string]string) Sampler {
	return func(ctx context.Context) (models.Snapshot, error) {
		snapshot := &models.SaaSSnapshot{}
		for name, url := range endpoints {
			endpoint := models.SaaSEndpoint{Name: name}
			if timing, err := prober.ProbeURL(ctx, url); err == nil && timing.Status < 500 {
				endpoint.Reachable = true
				endpoint.LatencyMs = timing.TotalMs
			}
			snapshot.Endpoints = append(snapshot.Endpoints, endpoint)
		}
		return snapshot, nil
	}
}

func qualitySampler(prober *sensors.NetProber, resolvers []string, qualityURL string) Sampler {
	return func(ctx context.Context) (models.Snapshot, error) {
		snapshot := &models.NetworkQualitySnapshot{DNSLatencyMs: make(map[string]float64)}
		for _, host := range resolvers {
			if ms, err := prober.DNSLatency(ctx, host); err == nil {
				snapshot.DNSLatencyMs[host] = ms
			}
		}
		if qualityURL != "" {
			if timing, err := prober.ProbeURL(ctx, qualityURL); err == nil {
				snapshot.TLSHandshakeMs = timing.TLSMs
				snapshot.HTTPMs = timing.TotalMs
			}
		}
		return snapshot, nil
	}
}

// stickySampler wraps a wifi probe with sticky-client detection:
// it tracks how long RSSI has been at or below the threshold while
// stronger neighbors were visible.
func stickySampler(probe sensors.Probe, thresholds StickyThresholds) Sampler {
	var weakSince time.Time
	return func(ctx context.Context) (models.Snapshot, error) {
		snapshot, err := probe.Sample(ctx)
		if err != nil {
			return nil, err
		}
		wifi, ok := snapshot.(*models.WifiRoamingSnapshot)
		if !ok {
			return snapshot, nil
		}

		stronger := 0
		for _, n := range wifi.Neighbors {
			if n.RSSI > wifi.RSSI {
				stronger++
			}
		}

		if wifi.RSSI <= thresholds.RSSIDBm && stronger >= thresholds.StrongerNeighbors {
			if weakSince.IsZero() {
				weakSince = time.Now()
			}
			wifi.Sticky = time.Since(weakSince) >= thresholds.Duration
		} else {
			weakSince = time.Time{}
			wifi.Sticky = false
		}
		return wifi, nil
	}
}

func systemRecord(s models.Snapshot) []string {
	m, ok := s.(*models.MetricReport)
	if !ok {
		return []string{"", "", "", "", "", ""}
	}
	return []string{
		formatFloat(m.CPU.Percent),
		formatFloat(m.Memory.Percent),
		formatFloat(m.Disk.Percent),
		strconv.FormatInt(m.Network.BytesSent, 10),
		strconv.FormatInt(m.Network.BytesRecv, 10),
		strconv.FormatInt(m.UptimeSeconds, 10),
	}
}

func vpnRecord(s models.Snapshot) []string {
	v, ok := s.(*models.VPNSnapshot)
	if !ok {
		return []string{"", "", ""}
	}
	var rx, tx int64
	for _, t := range v.ActiveClients {
		rx += t.RxBytes
		tx += t.TxBytes
	}
	return []string{strconv.Itoa(len(v.ActiveClients)), strconv.FormatInt(rx, 10), strconv.FormatInt(tx, 10)}
}

func saasRecord(s models.Snapshot) []string {
	v, ok := s.(*models.SaaSSnapshot)
	if !ok {
		return []string{"", "", ""}
	}
	reachable := 0
	var totalLatency float64
	for _, e := range v.Endpoints {
		if e.Reachable {
			reachable++
			totalLatency += e.LatencyMs
		}
	}
	mean := 0.0
	if reachable > 0 {
		mean = totalLatency / float64(reachable)
	}
	return []string{strconv.Itoa(len(v.Endpoints)), strconv.Itoa(reachable), formatFloat(mean)}
}

func qualityRecord(s models.Snapshot) []string {
	v, ok := s.(*models.NetworkQualitySnapshot)
	if !ok {
		return []string{"", "", ""}
	}
	var dns float64
	for _, ms := range v.DNSLatencyMs {
		dns += ms
	}
	if n := len(v.DNSLatencyMs); n > 0 {
		dns /= float64(n)
	}
	return []string{formatFloat(dns), formatFloat(v.TLSHandshakeMs), formatFloat(v.HTTPMs)}
}

func wifiRecord(s models.Snapshot) []string {
	v, ok := s.(*models.WifiRoamingSnapshot)
	if !ok {
		return []string{"", "", "", "", ""}
	}
	return []string{
		v.CurrentBSSID,
		strconv.Itoa(v.RSSI),
		formatFloat(v.ChannelUtilization),
		strconv.Itoa(len(v.Neighbors)),
		strconv.FormatBool(v.Sticky),
	}
}

func securityRecord(s models.Snapshot) []string {
	v, ok := s.(*models.SecuritySnapshot)
	if !ok {
		return []string{"", "", "", "", "", ""}
	}
	return []string{
		strconv.FormatBool(v.Firewall),
		strconv.FormatBool(v.FileVault),
		strconv.FormatBool(v.Gatekeeper),
		strconv.FormatBool(v.SIP),
		strconv.Itoa(v.PendingUpdates),
		strconv.Itoa(v.Score),
	}
}

func applicationRecord(s models.Snapshot) []string {
	v, ok := s.(*models.ApplicationSnapshot)
	if !ok {
		return []string{"", ""}
	}
	return []string{strconv.Itoa(v.Crashes24h), strconv.Itoa(v.Hangs)}
}

func diskHealthRecord(s models.Snapshot) []string {
	v, ok := s.(*models.DiskHealthSnapshot)
	if !ok {
		return []string{"", "", ""}
	}
	unhealthy := 0
	for _, d := range v.Disks {
		if !d.Healthy {
			unhealthy++
		}
	}
	return []string{strconv.Itoa(len(v.Disks)), strconv.Itoa(unhealthy), formatFloat(v.IOLatencyMs)}
}

func peripheralRecord(s models.Snapshot) []string {
	v, ok := s.(*models.PeripheralSnapshot)
	if !ok {
		return []string{"", "", ""}
	}
	return []string{strconv.Itoa(len(v.Bluetooth)), strconv.Itoa(len(v.USB)), strconv.Itoa(len(v.Thunderbolt))}
}

func powerRecord(s models.Snapshot) []string {
	v, ok := s.(*models.PowerSnapshot)
	if !ok {
		return []string{"", "", "", ""}
	}
	return []string{
		formatFloat(v.BatteryPercent),
		strconv.FormatBool(v.Charging),
		strconv.Itoa(v.CycleCount),
		formatFloat(v.HealthPercent),
	}
}

func displayRecord(s models.Snapshot) []string {
	v, ok := s.(*models.DisplaySnapshot)
	if !ok {
		return []string{"", ""}
	}
	return []string{strconv.Itoa(len(v.Displays)), v.GPU}
}

func inventoryRecord(s models.Snapshot) []string {
	v, ok := s.(*models.SoftwareInventorySnapshot)
	if !ok {
		return []string{"", ""}
	}
	return []string{strconv.Itoa(len(v.Apps)), strconv.Itoa(len(v.Extensions))}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
