package edge

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Seconds between 1601-01-01 (Windows file time epoch) and 1970-01-01.
const winEpochOffset = 11644473600

// clock tracks the offset between local time and the service's clock. The
// Sec-MS-GEC token is only accepted within its 5 minute window, so a skewed
// host is corrected from the Date header of a rejected handshake.
type clock struct {
	now  func() time.Time
	skew atomic.Int64 // nanoseconds
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) Now() time.Time {
	return c.now().Add(time.Duration(c.skew.Load()))
}

// adjust moves the skew so that Now matches the server's Date header. It
// reports whether the header could be used.
func (c *clock) adjust(header http.Header) bool {
	raw := header.Get("Date")
	if raw == "" {
		return false
	}
	server, err := http.ParseTime(raw)
	if err != nil {
		return false
	}
	c.skew.Add(int64(server.Sub(c.Now())))
	return true
}

// secMSGEC derives the token from the Windows tick count rounded down to five
// minutes, concatenated with the trusted client token.
func secMSGEC(now time.Time, trustedToken string) string {
	seconds := now.Unix() + winEpochOffset
	seconds -= seconds % 300
	ticks := seconds * 10_000_000
	sum := sha256.Sum256([]byte(strconv.FormatInt(ticks, 10) + trustedToken))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func connectionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// timestamp renders t the way the Edge browser does in X-Timestamp headers.
func timestamp(t time.Time) string {
	return t.UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}
