// Package stats supplies host CPU/memory/uptime figures for display.
// Everything is best-effort: a metric that cannot be read reports its
// zero value rather than failing the request.
package stats

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

type CPUInfo struct {
	Cores   int        `json:"cores"`
	LoadAvg [3]float64 `json:"loadAvg"`
}

type MemoryInfo struct {
	Total   uint64 `json:"total"`
	Used    uint64 `json:"used"`
	Free    uint64 `json:"free"`
	Percent string `json:"percent"`
}

type SystemStats struct {
	CPU      CPUInfo    `json:"cpu"`
	Memory   MemoryInfo `json:"memory"`
	Uptime   uint64     `json:"uptime"`
	Hostname string     `json:"hostname"`
	Platform string     `json:"platform"`
	Arch     string     `json:"arch"`
}

// Collect gathers a snapshot of host statistics.
func Collect() SystemStats {
	hostname, _ := os.Hostname()
	return SystemStats{
		CPU: CPUInfo{
			Cores:   runtime.NumCPU(),
			LoadAvg: loadAvg(),
		},
		Memory:   memory(),
		Uptime:   uptime(),
		Hostname: hostname,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
}

func loadAvg() [3]float64 {
	var load [3]float64
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return load
	}
	fields := strings.Fields(string(data))
	for i := 0; i < 3 && i < len(fields); i++ {
		load[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return load
}

func memory() MemoryInfo {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return MemoryInfo{}
	}

	values := make(map[string]uint64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		values[key] = kb * 1024
	}

	total := values["MemTotal"]
	available := values["MemAvailable"]
	if available == 0 {
		available = values["MemFree"]
	}
	used := uint64(0)
	if total > available {
		used = total - available
	}
	percent := "0.0"
	if total > 0 {
		percent = strconv.FormatFloat(float64(used)/float64(total)*100, 'f', 1, 64)
	}
	return MemoryInfo{Total: total, Used: used, Free: available, Percent: percent}
}

func uptime() uint64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	seconds, _ := strconv.ParseFloat(fields[0], 64)
	return uint64(seconds)
}
