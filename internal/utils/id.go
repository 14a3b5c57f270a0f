package utils

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	suffixLen = 7
	alphabet  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// NewID returns a best-effort unique identifier of the form <prefix>-<epoch-ms>-<suffix>.
// The suffix is seven random base36 characters.
func NewID(prefix string) string {
	return NewIDAt(prefix, time.Now())
}

// NewIDAt is NewID with an explicit timestamp.
func NewIDAt(prefix string, now time.Time) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + 13 + 1 + suffixLen)
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('-')
	b.WriteString(randomSuffix())
	return b.String()
}

func randomSuffix() string {
	buf := make([]byte, suffixLen)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// Fallback to timestamp if crypto/rand is unavailable.
			ns := strconv.FormatInt(time.Now().UnixNano(), 36)
			if len(ns) > suffixLen {
				ns = ns[len(ns)-suffixLen:]
			}
			return ns
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}
