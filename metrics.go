package ioa

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/engine"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks command and recovery statistics for one adapter
type Metrics struct {
	// Command counters by direction
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	OtherOps atomic.Uint64

	// Byte counters (successful commands only)
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Commands that did not finish with ResultOK
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	OtherErrors atomic.Uint64

	// Recovery
	CheckConditions     atomic.Uint64 // Commands delivered with CHECK CONDITION
	RetryableResults    atomic.Uint64 // Commands the caller should resubmit
	ERPs                atomic.Uint64 // Sense recovery chains started
	BusResets           atomic.Uint64
	Aborts              atomic.Uint64
	AbortFailures       atomic.Uint64
	DeviceResets        atomic.Uint64
	DeviceResetFailures atomic.Uint64
	AdapterResets       atomic.Uint64
	ResetRetries        atomic.Uint64
	Dead                atomic.Bool

	// Host notifications
	ErrorLogEvents     atomic.Uint64
	ConfigChangeEvents atomic.Uint64

	// Completions consumed per interrupt
	DrainTotal atomic.Uint64
	DrainCount atomic.Uint64
	MaxDrain   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Each bucket[i] contains the count of commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one finished caller command
func (m *Metrics) RecordCommand(op uint8, bytes uint64, latencyNs uint64, code engine.ResultCode) {
	success := code == engine.ResultOK
	switch {
	case isRead(op):
		m.ReadOps.Add(1)
		if success {
			m.ReadBytes.Add(bytes)
		} else {
			m.ReadErrors.Add(1)
		}
	case isWrite(op):
		m.WriteOps.Add(1)
		if success {
			m.WriteBytes.Add(bytes)
		} else {
			m.WriteErrors.Add(1)
		}
	default:
		m.OtherOps.Add(1)
		if !success {
			m.OtherErrors.Add(1)
		}
	}
	if code == engine.ResultCheckCondition {
		m.CheckConditions.Add(1)
	}
	if code.Retryable() {
		m.RetryableResults.Add(1)
	}
	m.recordLatency(latencyNs)
}

func isRead(op uint8) bool {
	return op == scsi.Read6 || op == scsi.Read10 || op == scsi.Read16
}

func isWrite(op uint8) bool {
	return op == scsi.Write6 || op == scsi.Write10 || op == scsi.Write16
}

// RecordDrain records how many completions one interrupt consumed
func (m *Metrics) RecordDrain(n uint32) {
	m.DrainTotal.Add(uint64(n))
	m.DrainCount.Add(1)

	for {
		current := m.MaxDrain.Load()
		if n <= current {
			break
		}
		if m.MaxDrain.CompareAndSwap(current, n) {
			break
		}
	}
}

// RecordHCAM records a delivered host notification
func (m *Metrics) RecordHCAM(notifyType uint8) {
	switch notifyType {
	case wire.NotifyErrorLog:
		m.ErrorLogEvents.Add(1)
	case wire.NotifyConfigChange:
		m.ConfigChangeEvents.Add(1)
	}
}

// recordLatency records command latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the adapter as detached
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	OtherOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64
	OtherErrors uint64

	CheckConditions     uint64
	RetryableResults    uint64
	ERPs                uint64
	BusResets           uint64
	Aborts              uint64
	AbortFailures       uint64
	DeviceResets        uint64
	DeviceResetFailures uint64
	AdapterResets       uint64
	ResetRetries        uint64
	Dead                bool

	ErrorLogEvents     uint64
	ConfigChangeEvents uint64

	AvgDrain float64
	MaxDrain uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of commands not finishing OK
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:             m.ReadOps.Load(),
		WriteOps:            m.WriteOps.Load(),
		OtherOps:            m.OtherOps.Load(),
		ReadBytes:           m.ReadBytes.Load(),
		WriteBytes:          m.WriteBytes.Load(),
		ReadErrors:          m.ReadErrors.Load(),
		WriteErrors:         m.WriteErrors.Load(),
		OtherErrors:         m.OtherErrors.Load(),
		CheckConditions:     m.CheckConditions.Load(),
		RetryableResults:    m.RetryableResults.Load(),
		ERPs:                m.ERPs.Load(),
		BusResets:           m.BusResets.Load(),
		Aborts:              m.Aborts.Load(),
		AbortFailures:       m.AbortFailures.Load(),
		DeviceResets:        m.DeviceResets.Load(),
		DeviceResetFailures: m.DeviceResetFailures.Load(),
		AdapterResets:       m.AdapterResets.Load(),
		ResetRetries:        m.ResetRetries.Load(),
		Dead:                m.Dead.Load(),
		ErrorLogEvents:      m.ErrorLogEvents.Load(),
		ConfigChangeEvents:  m.ConfigChangeEvents.Load(),
		MaxDrain:            m.MaxDrain.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.OtherOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	drainTotal := m.DrainTotal.Load()
	drainCount := m.DrainCount.Load()
	if drainCount > 0 {
		snap.AvgDrain = float64(drainTotal) / float64(drainCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.OtherErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ReadOps, &m.WriteOps, &m.OtherOps,
		&m.ReadBytes, &m.WriteBytes,
		&m.ReadErrors, &m.WriteErrors, &m.OtherErrors,
		&m.CheckConditions, &m.RetryableResults, &m.ERPs, &m.BusResets,
		&m.Aborts, &m.AbortFailures, &m.DeviceResets, &m.DeviceResetFailures,
		&m.AdapterResets, &m.ResetRetries,
		&m.ErrorLogEvents, &m.ConfigChangeEvents,
		&m.DrainTotal, &m.DrainCount,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.MaxDrain.Store(0)
	m.Dead.Store(false)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives engine events. Implementations must not block: they are
// called from completion and interrupt paths.
type Observer = engine.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint8, uint64, time.Duration, ResultCode) {}
func (NoOpObserver) ObserveERP()                                             {}
func (NoOpObserver) ObserveBusReset()                                        {}
func (NoOpObserver) ObserveAbort(bool)                                       {}
func (NoOpObserver) ObserveDeviceReset(bool)                                 {}
func (NoOpObserver) ObserveAdapterReset()                                    {}
func (NoOpObserver) ObserveResetRetry()                                      {}
func (NoOpObserver) ObserveHCAM(uint8)                                       {}
func (NoOpObserver) ObserveDrain(int)                                        {}
func (NoOpObserver) ObserveDead()                                            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(op uint8, bytes uint64, latency time.Duration, code ResultCode) {
	o.metrics.RecordCommand(op, bytes, uint64(latency.Nanoseconds()), code)
}

func (o *MetricsObserver) ObserveERP() {
	o.metrics.ERPs.Add(1)
}

func (o *MetricsObserver) ObserveBusReset() {
	o.metrics.BusResets.Add(1)
}

func (o *MetricsObserver) ObserveAbort(ok bool) {
	o.metrics.Aborts.Add(1)
	if !ok {
		o.metrics.AbortFailures.Add(1)
	}
}

func (o *MetricsObserver) ObserveDeviceReset(ok bool) {
	o.metrics.DeviceResets.Add(1)
	if !ok {
		o.metrics.DeviceResetFailures.Add(1)
	}
}

func (o *MetricsObserver) ObserveAdapterReset() {
	o.metrics.AdapterResets.Add(1)
}

func (o *MetricsObserver) ObserveResetRetry() {
	o.metrics.ResetRetries.Add(1)
}

func (o *MetricsObserver) ObserveHCAM(notifyType uint8) {
	o.metrics.RecordHCAM(notifyType)
}

func (o *MetricsObserver) ObserveDrain(n int) {
	if n < 0 {
		n = 0
	}
	o.metrics.RecordDrain(uint32(n))
}

func (o *MetricsObserver) ObserveDead() {
	o.metrics.Dead.Store(true)
}

// multiObserver fans events out to several observers
type multiObserver []Observer

func (m multiObserver) ObserveCommand(op uint8, bytes uint64, latency time.Duration, code ResultCode) {
	for _, o := range m {
		o.ObserveCommand(op, bytes, latency, code)
	}
}

func (m multiObserver) ObserveERP() {
	for _, o := range m {
		o.ObserveERP()
	}
}

func (m multiObserver) ObserveBusReset() {
	for _, o := range m {
		o.ObserveBusReset()
	}
}

func (m multiObserver) ObserveAbort(ok bool) {
	for _, o := range m {
		o.ObserveAbort(ok)
	}
}

func (m multiObserver) ObserveDeviceReset(ok bool) {
	for _, o := range m {
		o.ObserveDeviceReset(ok)
	}
}

func (m multiObserver) ObserveAdapterReset() {
	for _, o := range m {
		o.ObserveAdapterReset()
	}
}

func (m multiObserver) ObserveResetRetry() {
	for _, o := range m {
		o.ObserveResetRetry()
	}
}

func (m multiObserver) ObserveHCAM(notifyType uint8) {
	for _, o := range m {
		o.ObserveHCAM(notifyType)
	}
}

func (m multiObserver) ObserveDrain(n int) {
	for _, o := range m {
		o.ObserveDrain(n)
	}
}

func (m multiObserver) ObserveDead() {
	for _, o := range m {
		o.ObserveDead()
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
