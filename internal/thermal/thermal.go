// Package thermal sizes worker pools for the machine octo runs on.
package thermal

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// HardwareInfo contains detected hardware information
type HardwareInfo struct {
	NumCPU         int    `json:"numCpu"`
	OS             string `json:"os"`
	IsDarwin       bool   `json:"isDarwin"`
	IsMacBookAir   bool   `json:"isMacBookAir"`
	IsAppleSilicon bool   `json:"isAppleSilicon"`
	ModelName      string `json:"modelName,omitempty"`
}

// DetectHardware detects the current hardware configuration
func DetectHardware() HardwareInfo {
	info := HardwareInfo{
		NumCPU:   runtime.NumCPU(),
		OS:       runtime.GOOS,
		IsDarwin: runtime.GOOS == "darwin",
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.ModelName = strings.TrimSpace(cpus[0].ModelName)
	}
	if info.IsDarwin {
		info.IsAppleSilicon = runtime.GOARCH == "arm64" || strings.Contains(strings.ToLower(info.ModelName), "apple")
		info.IsMacBookAir = strings.HasPrefix(strings.ToLower(macModel()), "macbookair")
	}

	return info
}

// macModel returns the Mac model identifier, e.g. "MacBookAir10,1".
func macModel() string {
	out, err := exec.Command("sysctl", "-n", "hw.model").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// GetOptimalConcurrency returns how many projects may be handled at once. An
// explicit setting wins over the hardware heuristic.
func GetOptimalConcurrency(hw HardwareInfo, configConcurrency int) int {
	if configConcurrency > 0 {
		return configConcurrency
	}

	optimal := hw.NumCPU

	// Passive cooling throttles quickly under sustained load.
	if hw.IsMacBookAir {
		optimal = hw.NumCPU / 2
	} else if hw.IsDarwin && hw.IsAppleSilicon {
		optimal = (hw.NumCPU * 3) / 4
	}

	if optimal < 2 {
		optimal = 2
	}
	return optimal
}

// CPUTemperature returns the CPU temperature in Celsius, or -1 when no sensor
// is readable.
func CPUTemperature() float64 {
	temps, err := host.SensorsTemperatures()
	if err != nil && len(temps) == 0 {
		return -1
	}

	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if (strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp")) && t.Temperature > 0 {
			return t.Temperature
		}
	}
	for _, t := range temps {
		if t.Temperature > 0 && t.Temperature < 120 {
			return t.Temperature
		}
	}
	return -1
}

// FormatHardwareInfo returns a human-readable hardware description
func FormatHardwareInfo(hw HardwareInfo) string {
	parts := []string{fmt.Sprintf("%d cores", hw.NumCPU)}

	if hw.ModelName != "" {
		parts = append(parts, hw.ModelName)
	}
	if hw.IsDarwin && hw.IsAppleSilicon {
		parts = append(parts, "Apple Silicon")
	}
	if hw.OS != "" && !hw.IsDarwin {
		parts = append(parts, hw.OS)
	}

	return strings.Join(parts, ", ")
}
