package client

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// hostCPID derives a stable cross-project host identifier.
func hostCPID(hostname string) string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	sum := md5.Sum([]byte(hostname + "|" + user + "|" + runtime.GOOS + runtime.GOARCH))
	return hex.EncodeToString(sum[:])
}

func osVersion() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "unknown"
}
