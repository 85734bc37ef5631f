package outbox

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// defaultWorkerID identifies a relay instance in claimed_by columns as
// "<host>-<pid>-<random>", so leases can be traced back to a process.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return host + "-" + strconv.Itoa(os.Getpid())
	}
	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(buf[:])
}
