package models

import "time"

// MonitorKind names one of the agent's specialised monitors. It is the
// tag of the snapshot union: every snapshot type reports its kind and
// MonitorSet carries at most one snapshot per kind.
type MonitorKind string

const (
	MonitorSystem            MonitorKind = "system"
	MonitorVPN               MonitorKind = "vpn"
	MonitorSaaS              MonitorKind = "saas"
	MonitorNetworkQuality    MonitorKind = "network_quality"
	MonitorWifiRoaming       MonitorKind = "wifi_roaming"
	MonitorSecurity          MonitorKind = "security"
	MonitorApplication       MonitorKind = "application"
	MonitorDiskHealth        MonitorKind = "disk_health"
	MonitorPeripheral        MonitorKind = "peripheral"
	MonitorPower             MonitorKind = "power"
	MonitorDisplay           MonitorKind = "display"
	MonitorSoftwareInventory MonitorKind = "software_inventory"
)

// Snapshot is implemented by every monitor snapshot type.
type Snapshot interface {
	Kind() MonitorKind
}

// VPNTunnel is one active VPN session.
type VPNTunnel struct {
	Client    string  `json:"client"`
	RxBytes   int64   `json:"rx_bytes"`
	TxBytes   int64   `json:"tx_bytes"`
	RxMbps    float64 `json:"rx_mbps,omitempty"`
	TxMbps    float64 `json:"tx_mbps,omitempty"`
	Connected bool    `json:"connected"`
}

// VPNSnapshot summarises VPN sessions and recent events.
type VPNSnapshot struct {
	ActiveClients []VPNTunnel `json:"active_clients,omitempty"`
	Events        []string    `json:"events,omitempty"`
}

func (VPNSnapshot) Kind() MonitorKind { return MonitorVPN }

// SaaSEndpoint is one probed SaaS endpoint.
type SaaSEndpoint struct {
	Name      string  `json:"name"`
	LatencyMs float64 `json:"latency_ms"`
	Reachable bool    `json:"reachable"`
}

// SaaSSnapshot holds per-endpoint reachability measurements.
type SaaSSnapshot struct {
	Endpoints []SaaSEndpoint `json:"endpoints,omitempty"`
}

func (SaaSSnapshot) Kind() MonitorKind { return MonitorSaaS }

// NetworkQualitySnapshot holds path-quality measurements.
type NetworkQualitySnapshot struct {
	TCPRetransmitRate float64            `json:"tcp_retx_rate,omitempty"`
	DNSLatencyMs      map[string]float64 `json:"dns_latency,omitempty"`
	TLSHandshakeMs    float64            `json:"tls_ms,omitempty"`
	HTTPMs            float64            `json:"http_ms,omitempty"`
}

func (NetworkQualitySnapshot) Kind() MonitorKind { return MonitorNetworkQuality }

// WifiNeighbor is a visible BSS on the current band.
type WifiNeighbor struct {
	BSSID   string `json:"bssid"`
	RSSI    int    `json:"rssi"`
	Channel int    `json:"channel"`
}

// WifiRoamingSnapshot describes the current association and roam history.
type WifiRoamingSnapshot struct {
	CurrentBSSID       string         `json:"current_bssid,omitempty"`
	RSSI               int            `json:"rssi,omitempty"`
	ChannelUtilization float64        `json:"channel_util,omitempty"`
	Neighbors          []WifiNeighbor `json:"neighbors,omitempty"`
	RoamEvents24h      int            `json:"roam_events,omitempty"`
	Sticky             bool           `json:"sticky,omitempty"`
}

func (WifiRoamingSnapshot) Kind() MonitorKind { return MonitorWifiRoaming }

// SecuritySnapshot is the periodic security posture sample.
type SecuritySnapshot struct {
	Firewall       bool `json:"firewall"`
	FileVault      bool `json:"filevault"`
	Gatekeeper     bool `json:"gatekeeper"`
	SIP            bool `json:"sip"`
	PendingUpdates int  `json:"pending_updates"`
	Score          int  `json:"score"`
}

func (SecuritySnapshot) Kind() MonitorKind { return MonitorSecurity }

// AppUsage is one application in a top-consumers list.
type AppUsage struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
}

// ApplicationSnapshot summarises application stability and load.
type ApplicationSnapshot struct {
	Crashes24h int        `json:"crashes_24h"`
	Hangs      int        `json:"hangs"`
	TopCPUApps []AppUsage `json:"top_cpu_apps,omitempty"`
	TopMemApps []AppUsage `json:"top_mem_apps,omitempty"`
}

func (ApplicationSnapshot) Kind() MonitorKind { return MonitorApplication }

// SmartAttribute is one SMART attribute of a disk.
type SmartAttribute struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// DiskSmart is the SMART view of one physical disk.
type DiskSmart struct {
	Device     string           `json:"device"`
	Healthy    bool             `json:"healthy"`
	Attributes []SmartAttribute `json:"smart_attrs,omitempty"`
}

// DiskHealthSnapshot holds SMART data and IO latency per disk.
type DiskHealthSnapshot struct {
	Disks       []DiskSmart `json:"disks,omitempty"`
	IOLatencyMs float64     `json:"io_latency,omitempty"`
	Volumes     []string    `json:"volumes,omitempty"`
}

func (DiskHealthSnapshot) Kind() MonitorKind { return MonitorDiskHealth }

// PeripheralDevice is one attached device.
type PeripheralDevice struct {
	Name      string `json:"name"`
	Vendor    string `json:"vendor,omitempty"`
	Connected bool   `json:"connected"`
}

// PeripheralSnapshot inventories attached peripherals by bus.
type PeripheralSnapshot struct {
	Bluetooth   []PeripheralDevice `json:"bluetooth,omitempty"`
	USB         []PeripheralDevice `json:"usb,omitempty"`
	Thunderbolt []PeripheralDevice `json:"thunderbolt,omitempty"`
}

func (PeripheralSnapshot) Kind() MonitorKind { return MonitorPeripheral }

// PowerSnapshot holds battery and thermal state.
type PowerSnapshot struct {
	BatteryPercent float64 `json:"battery_pct"`
	CycleCount     int     `json:"cycles,omitempty"`
	HealthPercent  float64 `json:"health_pct,omitempty"`
	Charging       bool    `json:"charging"`
	ThermalState   string  `json:"thermal,omitempty"`
}

func (PowerSnapshot) Kind() MonitorKind { return MonitorPower }

// DisplayInfo is one connected display.
type DisplayInfo struct {
	Name       string `json:"name"`
	Resolution string `json:"resolution,omitempty"`
	Internal   bool   `json:"internal"`
}

// DisplaySnapshot inventories displays and the GPU driving them.
type DisplaySnapshot struct {
	Displays []DisplayInfo `json:"displays,omitempty"`
	GPU      string        `json:"gpu,omitempty"`
	VRAMMB   int64         `json:"vram,omitempty"`
}

func (DisplaySnapshot) Kind() MonitorKind { return MonitorDisplay }

// InstalledApp is one entry in the software inventory.
type InstalledApp struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SoftwareInventorySnapshot lists installed applications and extensions.
type SoftwareInventorySnapshot struct {
	Apps       []InstalledApp `json:"apps,omitempty"`
	Extensions []string       `json:"extensions,omitempty"`
}

func (SoftwareInventorySnapshot) Kind() MonitorKind { return MonitorSoftwareInventory }

// MonitorSet carries the optional specialised snapshots attached to a
// report. The system monitor's sample travels as Report.Metrics, not here.
type MonitorSet struct {
	VPN               *VPNSnapshot               `json:"vpn,omitempty"`
	SaaS              *SaaSSnapshot              `json:"saas,omitempty"`
	NetworkQuality    *NetworkQualitySnapshot    `json:"network_quality,omitempty"`
	WifiRoaming       *WifiRoamingSnapshot       `json:"wifi_roaming,omitempty"`
	Security          *SecuritySnapshot          `json:"security,omitempty"`
	Application       *ApplicationSnapshot       `json:"application,omitempty"`
	DiskHealth        *DiskHealthSnapshot        `json:"disk_health,omitempty"`
	Peripheral        *PeripheralSnapshot        `json:"peripheral,omitempty"`
	Power             *PowerSnapshot             `json:"power,omitempty"`
	Display           *DisplaySnapshot           `json:"display,omitempty"`
	SoftwareInventory *SoftwareInventorySnapshot `json:"software_inventory,omitempty"`
}

// Attach places a snapshot into its slot by kind. Unknown or system
// kinds are ignored.
func (m *MonitorSet) Attach(s Snapshot) {
	switch v := s.(type) {
	case *VPNSnapshot:
		m.VPN = v
	case *SaaSSnapshot:
		m.SaaS = v
	case *NetworkQualitySnapshot:
		m.NetworkQuality = v
	case *WifiRoamingSnapshot:
		m.WifiRoaming = v
	case *SecuritySnapshot:
		m.Security = v
	case *ApplicationSnapshot:
		m.Application = v
	case *DiskHealthSnapshot:
		m.DiskHealth = v
	case *PeripheralSnapshot:
		m.Peripheral = v
	case *PowerSnapshot:
		m.Power = v
	case *DisplaySnapshot:
		m.Display = v
	case *SoftwareInventorySnapshot:
		m.SoftwareInventory = v
	}
}

// Empty reports whether no snapshot slot is populated.
func (m *MonitorSet) Empty() bool {
	return m.VPN == nil && m.SaaS == nil && m.NetworkQuality == nil &&
		m.WifiRoaming == nil && m.Security == nil && m.Application == nil &&
		m.DiskHealth == nil && m.Peripheral == nil && m.Power == nil &&
		m.Display == nil && m.SoftwareInventory == nil
}

// StaleMark records that a monitor is reporting a previous snapshot
// because its sampler overran or failed.
type StaleMark struct {
	Stale      bool      `json:"stale"`
	StaleSince time.Time `json:"stale_since,omitempty"`
}
