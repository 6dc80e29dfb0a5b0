package downloader

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// generatePoolID returns a string identifying a pool in logs (hostname+pid+random).
func generatePoolID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
