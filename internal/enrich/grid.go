package enrich

import (
	"math"
	"math/rand"
	"strconv"
	"time"
)

// CachePrefix namespaces grid entries so an administrative clear cannot
// touch unrelated keys.
const CachePrefix = "grid:v1:"

// GridKey buckets coordinates into ~111 m cells by truncating both
// axes to 3 decimal places. Truncation, not rounding: nearby points
// straddling a .xxx5 boundary must still share a cell.
func GridKey(lat, lng float64) string {
	return gridCoord(lat) + ":" + gridCoord(lng)
}

func gridCoord(v float64) string {
	return strconv.FormatFloat(math.Floor(v*1000)/1000, 'f', 3, 64)
}

// JitterTTL picks a uniform TTL in [min, max]. The randomization
// spreads expirations across grid cells so a popular cell's refresh
// doesn't line up with everyone else's.
func JitterTTL(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
