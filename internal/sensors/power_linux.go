//go:build linux

package sensors

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atlasfleet/atlas/internal/models"
)

// powerSupplyRoot is a var so tests can point at a fixture tree.
var powerSupplyRoot = "/sys/class/power_supply"

// PowerProbe reads battery state from sysfs.
func PowerProbe() Probe {
	return ProbeFunc{ProbeName: "power", Fn: samplePower}
}

func samplePower(ctx context.Context) (models.Snapshot, error) {
	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		if os.IsPermission(err) {
			return nil, NewProbeError("power", PermissionDenied, err)
		}
		return nil, Unavailable("power")
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "BAT") {
			continue
		}
		base := filepath.Join(powerSupplyRoot, entry.Name())

		snapshot := &models.PowerSnapshot{}

		capacity, err := readSysfsInt(filepath.Join(base, "capacity"))
		if err != nil {
			return nil, NewProbeError("power", ParseError, err)
		}
		snapshot.BatteryPercent = float64(capacity)

		if status, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
			snapshot.Charging = strings.EqualFold(strings.TrimSpace(string(status)), "Charging")
		}
		if cycles, err := readSysfsInt(filepath.Join(base, "cycle_count")); err == nil {
			snapshot.CycleCount = int(cycles)
		}
		full, errFull := readSysfsInt(filepath.Join(base, "energy_full"))
		design, errDesign := readSysfsInt(filepath.Join(base, "energy_full_design"))
		if errFull == nil && errDesign == nil && design > 0 {
			snapshot.HealthPercent = float64(full) / float64(design) * 100
		}

		return snapshot, nil
	}

	// Desktop host without a battery.
	return nil, Unavailable("power")
}

func readSysfsInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
