// Package bloom wraps github.com/bits-and-blooms/bloom/v3 with the
// "device.measurement" key convention the file format and metadata cache
// both rely on (spec §3, §4.1, §4.3).
//
// A hand-rolled bit array was deliberately avoided: bits-and-blooms/bloom
// is the bloom-filter implementation the retrieval pack actually uses (the
// FlashLog SSTable writer sizes one with NewWithEstimates and serializes it
// with WriteTo/ReadFrom), so this module reaches for the same library
// rather than reinventing a probabilistic set.
package bloom

import (
	"bytes"
	"io"

	bbloom "github.com/bits-and-blooms/bloom/v3"
)

// Filter is a bloom filter over "device.measurement" strings, one per
// sealed data file (spec §3 "A bloom filter over device.measurement
// strings is serialized in the file metadata").
type Filter struct {
	f *bbloom.BloomFilter
}

// Key joins a device and measurement the same way on every path (build,
// query, serialize) so filter membership tests are consistent.
func Key(device, measurement string) string {
	return device + "." + measurement
}

// New sizes a filter for an expected number of keys at the given false
// positive rate (config option bloomFilterErrorRate, spec §6).
func New(expectedKeys uint, errorRate float64) *Filter {
	if expectedKeys == 0 {
		expectedKeys = 1
	}
	if errorRate <= 0 {
		errorRate = 0.01
	}
	return &Filter{f: bbloom.NewWithEstimates(expectedKeys, errorRate)}
}

// Add registers a device.measurement key.
func (flt *Filter) Add(device, measurement string) {
	flt.f.AddString(Key(device, measurement))
}

// MayContain reports whether the key might be present. A false result is
// authoritative ("absent"); a true result requires confirmation by walking
// the metadata index (spec §4.3's disabled-cache bypass relies on this).
func (flt *Filter) MayContain(device, measurement string) bool {
	return flt.f.TestString(Key(device, measurement))
}

// WriteTo serializes the filter (bit-array capacity, hash count, then the
// bit array itself) for embedding in the file's tail metadata.
func (flt *Filter) WriteTo(w io.Writer) (int64, error) {
	return flt.f.WriteTo(w)
}

// ReadFilter deserializes a filter previously written by WriteTo.
func ReadFilter(r io.Reader) (*Filter, error) {
	f := &bbloom.BloomFilter{}
	if _, err := f.ReadFrom(r); err != nil {
		return nil, err
	}
	return &Filter{f: f}, nil
}

// Bytes serializes the filter to a standalone byte slice.
func (flt *Filter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := flt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
