package failure

import (
	"math"
	"sync"
	"time"
)

// Settings configures a phi-accrual detector.
type Settings struct {
	// Threshold is the phi value above which the resource is considered
	// unavailable.
	Threshold float64
	// MaxSampleSize bounds the number of heartbeat intervals kept.
	MaxSampleSize int
	// MinStdDeviation keeps phi from exploding when intervals are very regular.
	MinStdDeviation time.Duration
	// AcceptableHeartbeatPause is added to the mean interval before phi is
	// computed.
	AcceptableHeartbeatPause time.Duration
	// FirstHeartbeatEstimate seeds the history after the first heartbeat.
	FirstHeartbeatEstimate time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Threshold:                8.0,
		MaxSampleSize:            1000,
		MinStdDeviation:          100 * time.Millisecond,
		AcceptableHeartbeatPause: 3 * time.Second,
		FirstHeartbeatEstimate:   time.Second,
	}
}

// Detector is the per-resource failure detector contract.
type Detector interface {
	// Heartbeat records that the resource is alive now.
	Heartbeat()
	// IsAvailable reports whether the resource looks alive. A resource that
	// never sent a heartbeat is available.
	IsAvailable() bool
	// IsMonitoring reports whether at least one heartbeat was recorded.
	IsMonitoring() bool
}

// PhiAccrual implements the phi accrual failure detector: instead of a fixed
// timeout it computes, from the distribution of past heartbeat intervals, how
// unlikely it is that the next heartbeat is merely late.
//
// Thread-safe: all methods may be called concurrently.
type PhiAccrual struct {
	settings Settings
	now      func() time.Time

	mu      sync.Mutex
	history *intervalHistory
	last    time.Time
}

// NewPhiAccrual creates a detector.
//
// Parameters:
//   - settings: detector tuning, see DefaultSettings
//   - now: time source; nil means time.Now
//
// Returns:
//   - *PhiAccrual: detector that has not seen a heartbeat yet
func NewPhiAccrual(settings Settings, now func() time.Time) *PhiAccrual {
	if now == nil {
		now = time.Now
	}
	if settings.MaxSampleSize <= 0 {
		settings.MaxSampleSize = DefaultSettings().MaxSampleSize
	}
	return &PhiAccrual{settings: settings, now: now}
}

// Heartbeat records a heartbeat at the current time. Intervals measured while
// the resource already looked dead are not added to the history.
func (d *PhiAccrual) Heartbeat() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts := d.now()
	if d.last.IsZero() {
		d.history = newIntervalHistory(d.settings.MaxSampleSize)
		mean := float64(d.settings.FirstHeartbeatEstimate)
		stdDev := mean / 4
		d.history.add(mean - stdDev)
		d.history.add(mean + stdDev)
	} else if d.phiAt(ts) < d.settings.Threshold {
		d.history.add(float64(ts.Sub(d.last)))
	}
	d.last = ts
}

// IsAvailable reports whether phi is below the threshold.
func (d *PhiAccrual) IsAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phiAt(d.now()) < d.settings.Threshold
}

// IsMonitoring reports whether a heartbeat was ever recorded.
func (d *PhiAccrual) IsMonitoring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.last.IsZero()
}

// Phi returns the current suspicion level. Zero before the first heartbeat.
func (d *PhiAccrual) Phi() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phiAt(d.now())
}

func (d *PhiAccrual) phiAt(ts time.Time) float64 {
	if d.last.IsZero() {
		return 0
	}
	timeDiff := float64(ts.Sub(d.last))
	mean := d.history.mean() + float64(d.settings.AcceptableHeartbeatPause)
	stdDev := math.Max(d.history.stdDeviation(), float64(d.settings.MinStdDeviation))
	return phi(timeDiff, mean, stdDev)
}

// phi uses the logistic approximation of the cumulative normal distribution.
func phi(timeDiff, mean, stdDev float64) float64 {
	y := (timeDiff - mean) / stdDev
	e := math.Exp(-y * (1.5976 + 0.070566*y*y))
	if timeDiff > mean {
		return -math.Log10(e / (1.0 + e))
	}
	return -math.Log10(1.0 - 1.0/(1.0+e))
}

// intervalHistory is a bounded window of heartbeat intervals with running sums.
type intervalHistory struct {
	maxSize    int
	intervals  []float64
	sum        float64
	squaredSum float64
}

func newIntervalHistory(maxSize int) *intervalHistory {
	return &intervalHistory{maxSize: maxSize, intervals: make([]float64, 0, min(maxSize, 64))}
}

func (h *intervalHistory) add(interval float64) {
	if len(h.intervals) >= h.maxSize {
		dropped := h.intervals[0]
		h.intervals = h.intervals[1:]
		h.sum -= dropped
		h.squaredSum -= dropped * dropped
	}
	h.intervals = append(h.intervals, interval)
	h.sum += interval
	h.squaredSum += interval * interval
}

func (h *intervalHistory) mean() float64 {
	return h.sum / float64(len(h.intervals))
}

func (h *intervalHistory) variance() float64 {
	m := h.mean()
	return h.squaredSum/float64(len(h.intervals)) - m*m
}

func (h *intervalHistory) stdDeviation() float64 {
	return math.Sqrt(math.Max(h.variance(), 0))
}
