package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxIDAttempts = 5

// newRunID returns run-YYYYMMDD-HHMMSS-<suffix>.
func newRunID(now time.Time, suffix string) string {
	return "run-" + now.UTC().Format("20060102-150405") + "-" + suffix
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
