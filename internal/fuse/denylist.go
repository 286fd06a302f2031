package fuse

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// processComm returns the executable name of a process, or "" when it cannot
// be read.
func processComm(pid uint32) string {
	if pid == 0 {
		return ""
	}
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/comm")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	// fall back to the first cmdline argument
	data, err = os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/cmdline")
	if err != nil {
		return ""
	}
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 || fields[0] == "" {
		return ""
	}
	return filepath.Base(fields[0])
}

// deniedComm reports whether the executable name matches the denylist.
// A denylist entry matches exactly or as a prefix of comm. Since
// /proc/<pid>/comm is truncated to 15 characters, a comm of exactly that
// length also matches an entry it is a prefix of.
func deniedComm(comm string, denylist []string) bool {
	if comm == "" {
		return false
	}
	for _, entry := range denylist {
		if entry == "" {
			continue
		}
		if comm == entry || strings.HasPrefix(comm, entry) ||
			(len(comm) == 15 && strings.HasPrefix(entry, comm)) {
			return true
		}
	}
	return false
}
