package models

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Point is one ingested sample of a named metric. Attributes hold the merged
// resource and data point attributes; they carry the dimensions a query
// filters on.
type Point struct {
	Metric     string
	Attributes map[string]string
	Timestamp  time.Time
	Value      float64
}

// SeriesHash identifies the series a point belongs to: the metric name plus
// its attributes, independent of map order.
func SeriesHash(metric string, attrs map[string]string) uint64 {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	h.WriteString(metric)
	for _, k := range keys {
		h.WriteString("\x00")
		h.WriteString(k)
		h.WriteString("=")
		h.WriteString(attrs[k])
	}
	return h.Sum64()
}

// MatchesDimensions reports whether attrs carries every dimension with the
// same value.
func MatchesDimensions(attrs, dims map[string]string) bool {
	for k, v := range dims {
		if got, ok := attrs[k]; !ok || got != v {
			return false
		}
	}
	return true
}
