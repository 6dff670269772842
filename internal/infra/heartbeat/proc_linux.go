//go:build linux

package heartbeat

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Kernel USER_HZ; fixed at 100 on every supported architecture.
const clockTicksPerSecond = 100

// sampleProcess reads cumulative CPU time and resident memory for a pid
// from procfs.
func sampleProcess(pid int) (time.Duration, int, bool) {
	if pid <= 0 {
		return 0, 0, false
	}
	cpu, ok := readProcCPU(pid)
	if !ok {
		return 0, 0, false
	}
	rss, _ := readProcRSS(pid)
	return cpu, rss, true
}

// readProcCPU parses utime+stime from /proc/<pid>/stat. The comm field
// may contain spaces, so fields are counted after the closing paren.
func readProcCPU(pid int) (time.Duration, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || end+2 > len(s) {
		return 0, false
	}
	fields := strings.Fields(s[end+2:])
	// fields[0] is stat field 3 (state); utime and stime are fields 14, 15.
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	ticks := utime + stime
	return time.Duration(ticks) * time.Second / clockTicksPerSecond, true
}

// readProcRSS parses VmRSS from /proc/<pid>/status, in MB.
func readProcRSS(pid int) (int, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}
