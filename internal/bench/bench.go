package bench

import "time"

const mib = 1024 * 1024

// Meter tracks throughput of a single logical stream as seen by the
// receiver. Callers feed it byte counts through Add and sample it with Tick.
type Meter struct {
	start     time.Time
	last      time.Time
	bytes     int64
	lastBytes int64
	ewma      float64
	peak      float64
	firstByte time.Duration
	gotFirst  bool
	done      time.Duration
	finished  bool
}

type Snapshot struct {
	Bytes     int64
	Elapsed   time.Duration
	InstMBps  float64
	EwmaMBps  float64
	AvgMBps   float64
	PeakMBps  float64
	FirstByte time.Duration // Time from open to the first DATA byte
	GotFirst  bool
}

// Summary is the final report for a stream.
type Summary struct {
	Bytes     int64
	Elapsed   time.Duration // Open to close
	AvgMBps   float64
	PeakMBps  float64
	FirstByte time.Duration
	GotFirst  bool
}

// NewMeter starts a meter at the moment the stream was opened.
func NewMeter(start time.Time) *Meter {
	return &Meter{start: start, last: start}
}

// Add records n payload bytes arriving at now.
func (m *Meter) Add(now time.Time, n int) {
	if n <= 0 {
		return
	}
	if !m.gotFirst {
		m.gotFirst = true
		m.firstByte = now.Sub(m.start)
	}
	m.bytes += int64(n)
}

// Bytes returns the total recorded so far.
func (m *Meter) Bytes() int64 {
	return m.bytes
}

// Tick samples the meter. Instantaneous rate covers the interval since the
// previous Tick.
func (m *Meter) Tick(now time.Time) Snapshot {
	elapsed := now.Sub(m.start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	dt := now.Sub(m.last)
	if dt <= 0 {
		dt = time.Second
	}
	delta := max(m.bytes-m.lastBytes, 0)
	inst := float64(delta) / dt.Seconds() / mib
	if m.ewma == 0 {
		m.ewma = inst
	} else {
		m.ewma = 0.2*inst + 0.8*m.ewma
	}
	if inst > m.peak {
		m.peak = inst
	}
	m.last = now
	m.lastBytes = m.bytes

	return Snapshot{
		Bytes:     m.bytes,
		Elapsed:   elapsed,
		InstMBps:  inst,
		EwmaMBps:  m.ewma,
		AvgMBps:   float64(m.bytes) / elapsed.Seconds() / mib,
		PeakMBps:  m.peak,
		FirstByte: m.firstByte,
		GotFirst:  m.gotFirst,
	}
}

// Final takes a last sample and freezes the elapsed time. Later calls return
// the same summary.
func (m *Meter) Final(now time.Time) Summary {
	if !m.finished {
		m.finished = true
		m.done = max(now.Sub(m.start), time.Millisecond)
		m.Tick(now)
	}
	return Summary{
		Bytes:     m.bytes,
		Elapsed:   m.done,
		AvgMBps:   float64(m.bytes) / m.done.Seconds() / mib,
		PeakMBps:  m.peak,
		FirstByte: m.firstByte,
		GotFirst:  m.gotFirst,
	}
}
