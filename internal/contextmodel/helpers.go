package contextmodel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// compareVersions compares two dotted version strings (e.g. "1.2.0").
// Returns -1, 0, or 1 the way strings.Compare does, component-wise and
// numerically rather than lexicographically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av := versionPart(as, i)
		bv := versionPart(bs, i)
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}
