package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Percentiles summarises one worker's per task round trip times
type Percentiles struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// LatencyTracker keeps an HDR histogram of per task RTT for every worker.
// Values are stored in microseconds between 1us and one hour.
type LatencyTracker struct {
	mu    sync.Mutex
	hists map[string]*hdrhistogram.Histogram
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{hists: make(map[string]*hdrhistogram.Histogram)}
}

const (
	minMicros = 1
	maxMicros = int64(time.Hour / time.Microsecond)
)

// Record adds one per task RTT observation for worker
func (l *LatencyTracker) Record(worker string, perTask time.Duration) {
	v := perTask.Microseconds()
	if v < minMicros {
		v = minMicros
	}
	if v > maxMicros {
		v = maxMicros
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hists[worker]
	if !ok {
		h = hdrhistogram.New(minMicros, maxMicros, 3)
		l.hists[worker] = h
	}
	h.RecordValue(v)
}

// Percentiles returns the summary for worker; ok is false without observations
func (l *LatencyTracker) Percentiles(worker string) (Percentiles, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hists[worker]
	if !ok || h.TotalCount() == 0 {
		return Percentiles{}, false
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return Percentiles{
		Count: h.TotalCount(),
		Mean:  time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   us(h.ValueAtQuantile(50)),
		P90:   us(h.ValueAtQuantile(90)),
		P99:   us(h.ValueAtQuantile(99)),
		Max:   us(h.Max()),
	}, true
}
