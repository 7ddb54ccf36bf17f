package sensors

import (
	"context"
	"sort"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"
	goprocess "github.com/shirou/gopsutil/v4/process"
	gosensors "github.com/shirou/gopsutil/v4/sensors"

	"github.com/atlasfleet/atlas/internal/models"
)

// System call wrappers for testing.
var (
	cpuCounts       = gocpu.CountsWithContext
	cpuPercent      = gocpu.PercentWithContext
	cpuInfo         = gocpu.InfoWithContext
	loadAvg         = goload.AvgWithContext
	virtualMemory   = gomem.VirtualMemoryWithContext
	swapMemory      = gomem.SwapMemoryWithContext
	diskPartitions  = godisk.PartitionsWithContext
	diskUsage       = godisk.UsageWithContext
	diskIOCounters  = godisk.IOCountersWithContext
	netInterfaces   = gonet.InterfacesWithContext
	netIOCounters   = gonet.IOCountersWithContext
	netConnections  = gonet.ConnectionsWithContext
	hostInfo        = gohost.InfoWithContext
	hostUptime      = gohost.UptimeWithContext
	hostUsers       = gohost.UsersWithContext
	hostTemps       = gosensors.TemperaturesWithContext
	processProcs    = goprocess.ProcessesWithContext
	topProcessLimit = 5
)

// CollectSystem gathers the full per-tick metric sample. Individual
// subsystems degrade to zero values on failure; only a memory failure
// is fatal because every downstream consumer keys off it.
func CollectSystem(ctx context.Context) (*models.MetricReport, error) {
	report := &models.MetricReport{}

	memStats, err := virtualMemory(ctx)
	if err != nil {
		return nil, NewProbeError("memory", Internal, err)
	}
	report.Memory = models.MemoryMetrics{
		Total:     int64(memStats.Total),
		Available: int64(memStats.Available),
		Used:      int64(memStats.Used),
		Percent:   memStats.UsedPercent,
	}
	if swap, err := swapMemory(ctx); err == nil && swap != nil {
		report.Memory.SwapTotal = int64(swap.Total)
		report.Memory.SwapUsed = int64(swap.Used)
		report.Memory.SwapPercent = swap.UsedPercent
	}

	report.CPU = collectCPU(ctx)
	report.Disk = collectDisk(ctx)
	report.Network = collectNetwork(ctx)
	report.Processes = collectProcesses(ctx)

	if uptime, err := hostUptime(ctx); err == nil {
		report.UptimeSeconds = int64(uptime)
	}
	if users, err := hostUsers(ctx); err == nil {
		seen := make(map[string]struct{}, len(users))
		for _, u := range users {
			if u.User == "" {
				continue
			}
			if _, ok := seen[u.User]; ok {
				continue
			}
			seen[u.User] = struct{}{}
			report.Users = append(report.Users, u.User)
		}
	}
	if temp, ok := collectTemperature(ctx); ok {
		report.TemperatureC = &temp
	}

	return report, nil
}

func collectCPU(ctx context.Context) models.CPUMetrics {
	var cpu models.CPUMetrics

	if count, err := cpuCounts(ctx, false); err == nil {
		cpu.Count = count
	}
	if threads, err := cpuCounts(ctx, true); err == nil {
		cpu.Threads = threads
	}
	if total, err := cpuPercent(ctx, time.Second, false); err == nil && len(total) > 0 {
		cpu.Percent = clampPercent(total[0])
	}
	if perCore, err := cpuPercent(ctx, 0, true); err == nil {
		cpu.PerCore = make([]float64, len(perCore))
		for i, pct := range perCore {
			cpu.PerCore[i] = clampPercent(pct)
		}
	}
	if avg, err := loadAvg(ctx); err == nil && avg != nil {
		cpu.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return cpu
}

func collectDisk(ctx context.Context) models.DiskMetrics {
	var disk models.DiskMetrics

	partitions, err := diskPartitions(ctx, false)
	if err == nil {
		seen := make(map[string]struct{}, len(partitions))
		for _, part := range partitions {
			if part.Mountpoint == "" {
				continue
			}
			if _, ok := seen[part.Mountpoint]; ok {
				continue
			}
			seen[part.Mountpoint] = struct{}{}

			usage, err := diskUsage(ctx, part.Mountpoint)
			if err != nil || usage.Total == 0 {
				continue
			}
			disk.Total += int64(usage.Total)
			disk.Used += int64(usage.Used)
			disk.Free += int64(usage.Free)
		}
	}
	if disk.Total > 0 {
		disk.Percent = float64(disk.Used) / float64(disk.Total) * 100
	}

	if counters, err := diskIOCounters(ctx); err == nil {
		for _, c := range counters {
			disk.ReadBytes += int64(c.ReadBytes)
			disk.WriteBytes += int64(c.WriteBytes)
			disk.ReadCount += int64(c.ReadCount)
			disk.WriteCount += int64(c.WriteCount)
		}
	}
	return disk
}

func collectNetwork(ctx context.Context) models.NetworkMetrics {
	var network models.NetworkMetrics

	if counters, err := netIOCounters(ctx, false); err == nil && len(counters) > 0 {
		total := counters[0]
		network.BytesSent = int64(total.BytesSent)
		network.BytesRecv = int64(total.BytesRecv)
		network.PacketsSent = int64(total.PacketsSent)
		network.PacketsRecv = int64(total.PacketsRecv)
		network.ErrIn = int64(total.Errin)
		network.ErrOut = int64(total.Errout)
		network.DropIn = int64(total.Dropin)
		network.DropOut = int64(total.Dropout)
	}
	if conns, err := netConnections(ctx, "tcp"); err == nil {
		network.Connections = len(conns)
	}
	return network
}

func collectProcesses(ctx context.Context) models.ProcessMetrics {
	var metrics models.ProcessMetrics

	procs, err := processProcs(ctx)
	if err != nil {
		return metrics
	}
	metrics.Total = len(procs)

	samples := make([]models.ProcessSample, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		sample := models.ProcessSample{PID: p.Pid, Name: name}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			sample.CPUPercent = pct
		}
		if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
			sample.MemoryPercent = float64(pct)
		}
		samples = append(samples, sample)
	}

	metrics.TopCPU = topBy(samples, func(s models.ProcessSample) float64 { return s.CPUPercent })
	metrics.TopMemory = topBy(samples, func(s models.ProcessSample) float64 { return s.MemoryPercent })
	return metrics
}

func topBy(samples []models.ProcessSample, value func(models.ProcessSample) float64) []models.ProcessSample {
	sorted := make([]models.ProcessSample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return value(sorted[i]) > value(sorted[j]) })
	if len(sorted) > topProcessLimit {
		sorted = sorted[:topProcessLimit]
	}
	return sorted
}

func collectTemperature(ctx context.Context) (float64, bool) {
	temps, err := hostTemps(ctx)
	if err != nil || len(temps) == 0 {
		return 0, false
	}
	// Highest sensor reading stands in for the machine temperature.
	max := 0.0
	found := false
	for _, t := range temps {
		if t.Temperature > max {
			max = t.Temperature
			found = true
		}
	}
	return max, found
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// CollectMachineInfo gathers the boot-time hardware identity.
func CollectMachineInfo(ctx context.Context) (*models.MachineInfo, error) {
	info, err := hostInfo(ctx)
	if err != nil {
		return nil, NewProbeError("host_info", Internal, err)
	}

	machine := &models.MachineInfo{
		Hostname:      info.Hostname,
		OS:            info.OS,
		OSVersion:     info.PlatformVersion,
		KernelVersion: info.KernelVersion,
		Architecture:  info.KernelArch,
	}

	if cpus, err := cpuInfo(ctx); err == nil && len(cpus) > 0 {
		machine.Processor = cpus[0].ModelName
	}
	if count, err := cpuCounts(ctx, false); err == nil {
		machine.CPUCount = count
	}
	if threads, err := cpuCounts(ctx, true); err == nil {
		machine.CPUThreads = threads
	}
	if mem, err := virtualMemory(ctx); err == nil {
		machine.TotalMemory = int64(mem.Total)
	}

	if partitions, err := diskPartitions(ctx, false); err == nil {
		seen := make(map[string]struct{}, len(partitions))
		for _, part := range partitions {
			if part.Mountpoint == "" {
				continue
			}
			if _, ok := seen[part.Mountpoint]; ok {
				continue
			}
			seen[part.Mountpoint] = struct{}{}
			entry := models.DiskInfo{
				Device:     part.Device,
				Mountpoint: part.Mountpoint,
				Filesystem: part.Fstype,
			}
			if usage, err := diskUsage(ctx, part.Mountpoint); err == nil {
				entry.TotalBytes = int64(usage.Total)
			}
			machine.Disks = append(machine.Disks, entry)
		}
	}

	if ifaces, err := netInterfaces(ctx); err == nil {
		for _, iface := range ifaces {
			if len(iface.Addrs) == 0 || isLoopback(iface.Flags) {
				continue
			}
			addresses := make([]string, 0, len(iface.Addrs))
			for _, addr := range iface.Addrs {
				if addr.Addr != "" {
					addresses = append(addresses, addr.Addr)
				}
			}
			if len(addresses) == 0 {
				continue
			}
			machine.NetworkInterfaces = append(machine.NetworkInterfaces, models.InterfaceInfo{
				Name:      iface.Name,
				MAC:       iface.HardwareAddr,
				Addresses: addresses,
			})
		}
		sort.Slice(machine.NetworkInterfaces, func(i, j int) bool {
			return machine.NetworkInterfaces[i].Name < machine.NetworkInterfaces[j].Name
		})
	}

	return machine, nil
}

func isLoopback(flags []string) bool {
	for _, flag := range flags {
		if flag == "loopback" || flag == "LOOPBACK" {
			return true
		}
	}
	return false
}
