package sshstats

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// cpuSample holds the aggregate jiffy counters from the first line of
// /proc/stat.
type cpuSample struct {
	total uint64
	idle  uint64
}

// parseCPUSample reads the "cpu " aggregate line of /proc/stat. Idle is
// the sum of the idle and iowait columns.
func parseCPUSample(procStat string) (cpuSample, error) {
	for _, line := range strings.Split(procStat, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var s cpuSample
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuSample{}, fmt.Errorf("parse /proc/stat column %d: %w", i+1, err)
			}
			s.total += v
			// columns: user nice system idle iowait irq softirq ...
			if i == 3 || i == 4 {
				s.idle += v
			}
		}
		return s, nil
	}
	return cpuSample{}, fmt.Errorf("no aggregate cpu line in /proc/stat output")
}

// cpuPercent computes usage between two samples, clamped to [0, 100]
// and rounded to an integer.
func cpuPercent(a, b cpuSample) int {
	if b.total <= a.total {
		return 0
	}
	totalDelta := float64(b.total - a.total)
	idleDelta := float64(b.idle) - float64(a.idle)
	pct := (totalDelta - idleDelta) / totalDelta * 100
	return clampPercent(pct)
}

// parseLoadAvg reads the three load averages from /proc/loadavg.
func parseLoadAvg(out string) ([3]float64, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return [3]float64{}, fmt.Errorf("short /proc/loadavg output %q", out)
	}
	var load [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return [3]float64{}, fmt.Errorf("parse loadavg field %d: %w", i, err)
		}
		load[i] = v
	}
	return load, nil
}

// parseCoreCount reads the output of `nproc` or the cpuinfo grep
// fallback. Both print a single integer.
func parseCoreCount(out string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad core count %q", out)
	}
	return n, nil
}

// memStats holds parsed /proc/meminfo values in GiB.
type memStats struct {
	TotalGiB    float64
	UsedGiB     float64
	UsedPercent int
}

// parseMemInfo computes used memory as MemTotal - MemAvailable, falling
// back to MemTotal - MemFree - Buffers - Cached on older kernels.
func parseMemInfo(out string) (memStats, error) {
	kb := map[string]uint64{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		kb[key] = v
	}
	total, ok := kb["MemTotal"]
	if !ok || total == 0 {
		return memStats{}, fmt.Errorf("no MemTotal in /proc/meminfo output")
	}

	var used uint64
	if avail, ok := kb["MemAvailable"]; ok && avail <= total {
		used = total - avail
	} else {
		free := kb["MemFree"] + kb["Buffers"] + kb["Cached"]
		if free > total {
			free = total
		}
		used = total - free
	}

	const kibPerGiB = 1024 * 1024
	return memStats{
		TotalGiB:    round2(float64(total) / kibPerGiB),
		UsedGiB:     round2(float64(used) / kibPerGiB),
		UsedPercent: clampPercent(float64(used) / float64(total) * 100),
	}, nil
}

// diskStats combines the human-readable df strings with a percentage
// recomputed from raw byte counts.
type diskStats struct {
	Total       string
	Used        string
	Available   string
	UsedPercent int
}

// parseDF parses `df -h -P /` (human strings) plus `df -B1 -P /` (raw
// bytes for an exact percentage). Each output has a header line then a
// single data line: filesystem, size, used, avail, use%, mountpoint.
func parseDF(human, bytes string) (diskStats, error) {
	hf, err := dfDataLine(human)
	if err != nil {
		return diskStats{}, err
	}
	d := diskStats{Total: hf[1], Used: hf[2], Available: hf[3]}

	// Prefer the exact byte counts; fall back to df's own Use% column.
	if bf, err := dfDataLine(bytes); err == nil {
		size, serr := strconv.ParseUint(bf[1], 10, 64)
		used, uerr := strconv.ParseUint(bf[2], 10, 64)
		if serr == nil && uerr == nil && size > 0 {
			d.UsedPercent = clampPercent(float64(used) / float64(size) * 100)
			return d, nil
		}
	}
	pct, err := strconv.Atoi(strings.TrimSuffix(hf[4], "%"))
	if err != nil {
		return diskStats{}, fmt.Errorf("parse df use%%: %w", err)
	}
	d.UsedPercent = clampPercent(float64(pct))
	return d, nil
}

func dfDataLine(out string) ([]string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("short df output %q", out)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 6 {
		return nil, fmt.Errorf("malformed df line %q", lines[len(lines)-1])
	}
	return fields, nil
}

func clampPercent(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
