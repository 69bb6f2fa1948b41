package thermal

import (
	"runtime"
	"strings"
	"testing"
)

func TestDetectHardware(t *testing.T) {
	hw := DetectHardware()

	if hw.NumCPU < 1 {
		t.Errorf("NumCPU should be at least 1, got %d", hw.NumCPU)
	}

	expectedDarwin := runtime.GOOS == "darwin"
	if hw.IsDarwin != expectedDarwin {
		t.Errorf("IsDarwin = %v, expected %v", hw.IsDarwin, expectedDarwin)
	}
}

func TestGetOptimalConcurrency(t *testing.T) {
	tests := []struct {
		name              string
		hw                HardwareInfo
		configConcurrency int
		wantMin           int
		wantMax           int
	}{
		{
			name:              "configured concurrency takes precedence",
			hw:                HardwareInfo{NumCPU: 8, IsDarwin: true, IsMacBookAir: true},
			configConcurrency: 4,
			wantMin:           4,
			wantMax:           4,
		},
		{
			name:              "MacBook Air halves concurrency",
			hw:                HardwareInfo{NumCPU: 8, IsDarwin: true, IsMacBookAir: true},
			configConcurrency: 0,
			wantMin:           4,
			wantMax:           4,
		},
		{
			name:              "Apple Silicon (non-Air) uses 3/4 cores",
			hw:                HardwareInfo{NumCPU: 10, IsDarwin: true, IsAppleSilicon: true},
			configConcurrency: 0,
			wantMin:           7,
			wantMax:           7,
		},
		{
			name:              "non-Darwin uses all cores",
			hw:                HardwareInfo{NumCPU: 8, IsDarwin: false},
			configConcurrency: 0,
			wantMin:           8,
			wantMax:           8,
		},
		{
			name:              "never below two",
			hw:                HardwareInfo{NumCPU: 1},
			configConcurrency: 0,
			wantMin:           2,
			wantMax:           2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetOptimalConcurrency(tt.hw, tt.configConcurrency)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("GetOptimalConcurrency() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestFormatHardwareInfo(t *testing.T) {
	got := FormatHardwareInfo(HardwareInfo{NumCPU: 8, OS: "linux", ModelName: "Ryzen 7"})
	if got != "8 cores, Ryzen 7, linux" {
		t.Errorf("FormatHardwareInfo() = %q", got)
	}

	got = FormatHardwareInfo(HardwareInfo{NumCPU: 10, OS: "darwin", IsDarwin: true, IsAppleSilicon: true})
	if !strings.Contains(got, "Apple Silicon") {
		t.Errorf("FormatHardwareInfo() = %q, want Apple Silicon mentioned", got)
	}
}

func TestCPUTemperatureNeverPanics(t *testing.T) {
	temp := CPUTemperature()
	if temp != -1 && temp <= 0 {
		t.Errorf("CPUTemperature() = %v, want -1 or a positive reading", temp)
	}
}
