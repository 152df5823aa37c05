// Package memtable implements the in-memory write buffer that sits in
// front of every unsealed data file: one active memtable accepts inserts,
// and at most one additional memtable may be mid-flush at a time (spec
// §3, §4.4).
package memtable

import (
	"sort"
	"sync"

	"tsengine/internal/record"
)

// Series is one device's one measurement worth of buffered samples, kept
// in insertion order; callers needing time order call Sorted.
type Series struct {
	Schema  record.Schema
	Samples []record.Sample
}

// Sorted returns the series' samples ordered by timestamp. Ties keep
// insertion order (Go's sort.SliceStable), so a later insert of an
// existing timestamp — an overwrite — sorts after the value it replaces,
// letting read reconciliation take the last one.
func (s Series) Sorted() []record.Sample {
	out := make([]record.Sample, len(s.Samples))
	copy(out, s.Samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Memtable buffers inserts for one unsealed file, keyed by device then
// measurement. A Memtable's zero value is not usable; construct with New.
type Memtable struct {
	mu sync.RWMutex

	version   int64
	sizeBytes int64
	devices   map[string]map[string]*Series // device -> measurement -> series
}

// New creates an empty memtable stamped with the given version (the file
// version it will eventually flush under, spec §3/§6).
func New(version int64) *Memtable {
	return &Memtable{version: version, devices: make(map[string]map[string]*Series)}
}

// Version returns the memtable's stamped version.
func (m *Memtable) Version() int64 { return m.version }

// Insert appends one sample for device/measurement, tracking an estimated
// byte size used against memtableSizeThreshold (spec §6).
func (m *Memtable) Insert(device string, schema record.Schema, s record.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(device, schema, s)
}

func (m *Memtable) insertLocked(device string, schema record.Schema, s record.Sample) {
	byDevice, ok := m.devices[device]
	if !ok {
		byDevice = make(map[string]*Series)
		m.devices[device] = byDevice
	}
	series, ok := byDevice[schema.Measurement]
	if !ok {
		series = &Series{Schema: schema}
		byDevice[schema.Measurement] = series
	}
	series.Samples = append(series.Samples, s)
	m.sizeBytes += estimateSampleSize(s)
}

// InsertTablet appends a whole column of samples for one device/
// measurement in one locked section, used by the tablet insert path to
// avoid re-acquiring the lock per row (spec §4.5 insertTablet).
func (m *Memtable) InsertTablet(device string, schema record.Schema, timestamps []int64, values []record.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ts := range timestamps {
		m.insertLocked(device, schema, record.Sample{Timestamp: ts, Value: values[i]})
	}
}

// SizeBytes returns the memtable's current estimated size, the figure
// checked against memtableSizeThreshold to decide when to flush (spec
// §4.4).
func (m *Memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsEmpty reports whether the memtable has never been written to.
func (m *Memtable) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices) == 0
}

// Devices returns every device with buffered data.
func (m *Memtable) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.devices))
	for d := range m.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Series returns a read-only snapshot of one device's measurement series,
// time-sorted, for a query to merge with on-disk chunks or for the flush
// path to write out as a chunk.
func (m *Memtable) Series(device, measurement string) (Series, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDevice, ok := m.devices[device]
	if !ok {
		return Series{}, false
	}
	s, ok := byDevice[measurement]
	if !ok {
		return Series{}, false
	}
	return Series{Schema: s.Schema, Samples: s.Sorted()}, true
}

// DeviceSeries returns every measurement series recorded for device, time-
// sorted, as the flush path needs when writing one device's chunk group.
func (m *Memtable) DeviceSeries(device string) []Series {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDevice, ok := m.devices[device]
	if !ok {
		return nil
	}
	out := make([]Series, 0, len(byDevice))
	names := make([]string, 0, len(byDevice))
	for name := range byDevice {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := byDevice[name]
		out = append(out, Series{Schema: s.Schema, Samples: s.Sorted()})
	}
	return out
}

// TimeRange returns the [min,max] timestamp recorded for device across all
// its measurements.
func (m *Memtable) TimeRange(device string) (start, end int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDevice, present := m.devices[device]
	if !present {
		return 0, 0, false
	}
	first := true
	for _, s := range byDevice {
		for _, sample := range s.Samples {
			if first || sample.Timestamp < start {
				start = sample.Timestamp
			}
			if first || sample.Timestamp > end {
				end = sample.Timestamp
			}
			first = false
		}
	}
	return start, end, !first
}

func estimateSampleSize(s record.Sample) int64 {
	const fixedOverhead = 24 // timestamp + tag + struct overhead
	switch s.Value.Kind {
	case record.Text:
		return fixedOverhead + int64(len(s.Value.Text))
	default:
		return fixedOverhead + 8
	}
}
