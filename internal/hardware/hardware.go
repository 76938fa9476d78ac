// Package hardware reports AES-NI / ARMv8 CE hardware acceleration
// availability, so the pipeline's encryption metrics can distinguish a
// hardware-accelerated run from a software AES fallback.
package hardware

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/kenchrcum/blockfold/internal/config"
)

// HasAESHardwareSupport reports whether the running CPU has AES
// instructions, per architecture.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsEnabled reports whether hardware acceleration is both supported by the
// CPU and enabled in cfg.
func IsEnabled(cfg config.HardwareConfig) bool {
	if !HasAESHardwareSupport() {
		return false
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		return cfg.EnableAESNI
	case "arm64":
		return cfg.EnableARMv8AES
	default:
		// Supported but no specific config flag for this arch: assume enabled.
		return true
	}
}

// Info returns a snapshot of hardware acceleration status for logging and
// the /healthz-style diagnostics surface.
func Info(cfg *config.HardwareConfig) map[string]interface{} {
	info := map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}

	if cfg != nil {
		info["aes_ni_enabled"] = cfg.EnableAESNI
		info["armv8_aes_enabled"] = cfg.EnableARMv8AES
		info["hardware_acceleration_active"] = IsEnabled(*cfg)
	}

	return info
}
