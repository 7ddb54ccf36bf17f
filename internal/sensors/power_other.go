//go:build !linux

package sensors

// PowerProbe reports probe_unavailable on platforms without a sysfs
// battery interface; the platform installer ships a native probe there.
func PowerProbe() Probe {
	return UnavailableProbe("power")
}
