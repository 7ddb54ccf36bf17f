// Package models defines the shared data model for the ATLAS fleet:
// machine identity, metric reports, monitor snapshots, commands, and
// the wire types exchanged between agent and server.
package models

import (
	"encoding/json"
	"time"
)

// Status is the derived liveness of a machine. It is computed at read
// time from last_seen and never stored.
type Status string

const (
	StatusOnline  Status = "online"
	StatusWarning Status = "warning"
	StatusOffline Status = "offline"
)

// DeriveStatus classifies a machine by the age of its last report.
// online within 2x interval, warning within 5x, offline beyond that.
func DeriveStatus(lastSeen time.Time, interval time.Duration, now time.Time) Status {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	age := now.Sub(lastSeen)
	switch {
	case age <= 2*interval:
		return StatusOnline
	case age <= 5*interval:
		return StatusWarning
	default:
		return StatusOffline
	}
}

// MachineInfo describes the hardware and OS identity of an endpoint.
// Collected once at agent boot and refreshed on hardware change.
type MachineInfo struct {
	Hostname          string          `json:"hostname"`
	OS                string          `json:"os"`
	OSVersion         string          `json:"os_version"`
	KernelVersion     string          `json:"kernel_version,omitempty"`
	Architecture      string          `json:"architecture,omitempty"`
	Processor         string          `json:"processor,omitempty"`
	CPUCount          int             `json:"cpu_count"`
	CPUThreads        int             `json:"cpu_threads"`
	TotalMemory       int64           `json:"total_memory"`
	GPU               string          `json:"gpu,omitempty"`
	Disks             []DiskInfo      `json:"disks,omitempty"`
	NetworkInterfaces []InterfaceInfo `json:"network_interfaces,omitempty"`
}

// DiskInfo is a fixed disk as reported in machine info.
type DiskInfo struct {
	Device     string `json:"device"`
	Mountpoint string `json:"mountpoint"`
	Filesystem string `json:"filesystem,omitempty"`
	TotalBytes int64  `json:"total_bytes"`
}

// InterfaceInfo is a network interface as reported in machine info.
type InterfaceInfo struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// Machine is the server-side registry entry for one endpoint.
type Machine struct {
	MachineID string      `json:"machine_id"`
	Info      MachineInfo `json:"info"`
	FirstSeen time.Time   `json:"first_seen"`
	LastSeen  time.Time   `json:"last_seen"`
	Status    Status      `json:"status,omitempty"`
}

// CPUMetrics holds processor utilisation for one sample.
type CPUMetrics struct {
	Percent float64   `json:"percent"`
	PerCore []float64 `json:"per_core,omitempty"`
	LoadAvg []float64 `json:"load_avg,omitempty"`
	Count   int       `json:"count,omitempty"`
	Threads int       `json:"threads,omitempty"`
}

// MemoryMetrics holds memory and swap utilisation for one sample.
type MemoryMetrics struct {
	Total       int64   `json:"total"`
	Available   int64   `json:"available"`
	Used        int64   `json:"used"`
	Percent     float64 `json:"percent"`
	SwapTotal   int64   `json:"swap_total,omitempty"`
	SwapUsed    int64   `json:"swap_used,omitempty"`
	SwapPercent float64 `json:"swap_percent,omitempty"`
}

// DiskMetrics holds aggregate disk utilisation and IO counters.
type DiskMetrics struct {
	Total      int64   `json:"total"`
	Used       int64   `json:"used"`
	Free       int64   `json:"free"`
	Percent    float64 `json:"percent"`
	ReadBytes  int64   `json:"read_bytes,omitempty"`
	WriteBytes int64   `json:"write_bytes,omitempty"`
	ReadCount  int64   `json:"read_count,omitempty"`
	WriteCount int64   `json:"write_count,omitempty"`
}

// NetworkMetrics holds aggregate interface counters.
type NetworkMetrics struct {
	BytesSent   int64 `json:"bytes_sent"`
	BytesRecv   int64 `json:"bytes_recv"`
	PacketsSent int64 `json:"packets_sent,omitempty"`
	PacketsRecv int64 `json:"packets_recv,omitempty"`
	ErrIn       int64 `json:"errin,omitempty"`
	ErrOut      int64 `json:"errout,omitempty"`
	DropIn      int64 `json:"dropin,omitempty"`
	DropOut     int64 `json:"dropout,omitempty"`
	Connections int   `json:"connections,omitempty"`
}

// ProcessSample is one entry in a top-by-cpu or top-by-memory list.
type ProcessSample struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

// ProcessMetrics summarises the process table.
type ProcessMetrics struct {
	Total     int             `json:"total"`
	TopCPU    []ProcessSample `json:"top_cpu,omitempty"`
	TopMemory []ProcessSample `json:"top_memory,omitempty"`
}

// BatteryMetrics is present on battery-powered endpoints.
type BatteryMetrics struct {
	Percent  float64 `json:"percent"`
	Charging bool    `json:"charging"`
}

// SecurityPosture holds the boolean security flags of an endpoint.
type SecurityPosture struct {
	Firewall   bool `json:"firewall"`
	FileVault  bool `json:"filevault"`
	Gatekeeper bool `json:"gatekeeper"`
	SIP        bool `json:"sip"`
}

// MetricReport is the core per-tick sample shipped with every report.
type MetricReport struct {
	UptimeSeconds int64            `json:"uptime_seconds,omitempty"`
	CPU           CPUMetrics       `json:"cpu"`
	Memory        MemoryMetrics    `json:"memory"`
	Disk          DiskMetrics      `json:"disk"`
	Network       NetworkMetrics   `json:"network"`
	Processes     ProcessMetrics   `json:"processes"`
	Battery       *BatteryMetrics  `json:"battery,omitempty"`
	TemperatureC  *float64         `json:"temperature,omitempty"`
	Users         []string         `json:"users,omitempty"`
	Security      *SecurityPosture `json:"security,omitempty"`
}

// Kind tags the system monitor's sample so it can travel through the
// runtime like every specialised snapshot.
func (*MetricReport) Kind() MonitorKind { return MonitorSystem }

// Report is the plaintext body an agent posts every tick (after the
// encryption envelope is opened, when one is used).
type Report struct {
	MachineID      string           `json:"machine_id"`
	Timestamp      time.Time        `json:"timestamp"`
	MachineInfo    *MachineInfo     `json:"machine_info,omitempty"`
	Metrics        *MetricReport    `json:"metrics,omitempty"`
	Monitors       *MonitorSet      `json:"monitors,omitempty"`
	Speedtest      *SpeedTestResult `json:"speedtest,omitempty"`
	CommandResults []CommandResult  `json:"command_results,omitempty"`
}

// ReportResponse is the server's reply to an accepted report.
type ReportResponse struct {
	OK       bool      `json:"ok"`
	Warning  string    `json:"warning,omitempty"`
	Commands []Command `json:"commands"`
}

// SpeedTestResult is one network speed measurement.
type SpeedTestResult struct {
	MachineID     string    `json:"machine_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      *float64  `json:"jitter_ms,omitempty"`
	PacketLossPct *float64  `json:"packet_loss_pct,omitempty"`
	Server        string    `json:"server,omitempty"`
	ISP           string    `json:"isp,omitempty"`
}

// CommandType enumerates the operations a server may ask an agent to run.
type CommandType string

const (
	CommandSpeedtestNow CommandType = "speedtest_now"
	CommandReloadConfig CommandType = "reload_config"
	CommandQuiesce      CommandType = "quiesce"
	CommandCollectDiag  CommandType = "collect_diag"
)

// CommandStatus tracks a command through its lifecycle.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandDelivered CommandStatus = "delivered"
	CommandDone      CommandStatus = "done"
)

// Command is a server-initiated operation delivered via the report response.
type Command struct {
	CommandID   string            `json:"command_id"`
	MachineID   string            `json:"machine_id,omitempty"`
	Type        CommandType       `json:"type"`
	Args        map[string]string `json:"args,omitempty"`
	Status      CommandStatus     `json:"status,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

// CommandResult is an agent's acknowledgement of an executed command.
// Output holds the result payload as text; results that are themselves
// JSON cross the wire structured, not as quoted strings.
type CommandResult struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
}

type commandResultWire struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
}

func (r CommandResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(commandResultWire{
		CommandID: r.CommandID,
		Status:    r.Status,
		Output:    EncodeCommandOutput(r.Output),
	})
}

func (r *CommandResult) UnmarshalJSON(data []byte) error {
	var wire commandResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.CommandID = wire.CommandID
	r.Status = wire.Status
	r.Output = DecodeCommandOutput(wire.Output)
	return nil
}

// DecodeCommandOutput converts a wire output value to its stored text:
// JSON strings are unquoted, structured values keep their JSON text.
func DecodeCommandOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EncodeCommandOutput renders stored output for the wire. Text that is
// a JSON object or array goes out structured.
func EncodeCommandOutput(output string) json.RawMessage {
	if output == "" {
		return nil
	}
	if (output[0] == '{' || output[0] == '[') && json.Valid([]byte(output)) {
		return json.RawMessage(output)
	}
	quoted, _ := json.Marshal(output)
	return quoted
}

// AlertKind enumerates the derived alert conditions.
type AlertKind string

const (
	AlertCPUHigh        AlertKind = "cpu_high"
	AlertMemoryHigh     AlertKind = "memory_high"
	AlertDiskHigh       AlertKind = "disk_high"
	AlertBatteryLow     AlertKind = "battery_low"
	AlertTempHigh       AlertKind = "temp_high"
	AlertOffline        AlertKind = "offline"
	AlertFailedDisk     AlertKind = "failed_disk"
	AlertAppCrashesHigh AlertKind = "app_crashes_high"
)

// AlertSeverity ranks derived alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a derived condition over a machine's latest metrics and
// status. Alerts are computed at read time and never persisted.
type Alert struct {
	MachineID string        `json:"machine_id"`
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Observed  float64       `json:"observed_value"`
	Threshold float64       `json:"threshold"`
	Since     time.Time     `json:"since"`
}

// MachineSummary is the list-view projection of a machine.
type MachineSummary struct {
	MachineID     string    `json:"machine_id"`
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Status        Status    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
}

// FleetSummary aggregates the whole fleet for the dashboard.
type FleetSummary struct {
	TotalMachines int     `json:"total_machines"`
	Online        int     `json:"online"`
	Warning       int     `json:"warning"`
	Offline       int     `json:"offline"`
	AvgCPU        float64 `json:"avg_cpu"`
	AvgMemory     float64 `json:"avg_memory"`
	AvgDisk       float64 `json:"avg_disk"`
	Alerts        []Alert `json:"alerts"`
}
