// Package util provides small helpers shared across MsgQueue components.
package util

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"
)

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// NewWorkerID derives the lock-owner label for this process from its pid and start time.
// A short random suffix keeps ids distinct across containers that all run as pid 1.
func NewWorkerID(startedAt time.Time) string {
	return fmt.Sprintf("worker-%d-%d-%s", os.Getpid(), startedAt.UnixMilli(), GenerateRandomHex(4))
}
