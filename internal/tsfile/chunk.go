// Package tsfile implements the append-only columnar data file described
// in spec §3/§4.1: chunk groups, chunks, pages, a hierarchical metadata
// index, and a tail bloom filter, bit-exact in framing (magic, version,
// marker bytes) where the spec calls for it.
package tsfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"tsengine/internal/record"
)

var (
	ErrEmptyColumn    = errors.New("tsfile: column has no samples")
	ErrLengthMismatch = errors.New("tsfile: timestamps/values length mismatch")
)

// MaxPageSamples bounds how many samples one page holds before the chunk
// writer starts a new page within the same chunk (spec §3 "a run of
// samples ... serialized as one or more pages").
const MaxPageSamples = 8192

// Statistics summarizes one chunk or page: spec §3's per-chunk/page
// statistics, narrowed to the fields the engine's invariants (§8) actually
// check — time bounds and count. A production file format would also
// carry per-type min/max value statistics for query-time chunk skipping;
// this module tracks time bounds only (see DESIGN.md).
type Statistics struct {
	Count     int64
	StartTime int64
	EndTime   int64
}

func (s *Statistics) observe(ts int64) {
	if s.Count == 0 || ts < s.StartTime {
		s.StartTime = ts
	}
	if s.Count == 0 || ts > s.EndTime {
		s.EndTime = ts
	}
	s.Count++
}

// ChunkMetadata describes one chunk: where it lives in the file, its time
// range, and the version of the memtable/merge that produced it (used for
// newer-wins read reconciliation and for matching against .mods records,
// spec §3).
type ChunkMetadata struct {
	Measurement string
	DataType    record.DataType
	Offset      int64 // file offset of the chunk header (marker byte)
	DataSize    int64 // bytes from the marker byte through the last page
	Stats       Statistics
	Version     int64
}

func (m ChunkMetadata) StartTime() int64 { return m.Stats.StartTime }
func (m ChunkMetadata) EndTime() int64   { return m.Stats.EndTime }

// zstdEnc / zstdDec are package-level, concurrency-safe codecs
// shared by every writer/reader — mirrors the teacher's package-level
// zstd decoder in chunk/file/compress.go.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("tsfile: init zstd encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("tsfile: init zstd decoder: " + err.Error())
	}
}

// encodePagePayload encodes one page's timestamps+values using the
// schema's configured encoding, ahead of compression.
//
// Timestamps always use a delta (TS2Diff-style) varint encoding: each page
// stores the first timestamp verbatim and every subsequent one as a
// zig-zag varint delta from its predecessor, since timeseries timestamps
// are overwhelmingly monotonic or near-monotonic within a chunk.
//
// Values use Plain (fixed/length-prefixed per-type encoding) unless the
// schema requests RLE, in which case runs of equal values are collapsed to
// (run-length varint, value) pairs — effective for boolean and low-
// cardinality integer columns.
func encodePagePayload(samples []record.Sample, schema record.Schema) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyColumn
	}
	var buf bytes.Buffer
	encodeTimestamps(&buf, samples)
	if err := encodeValues(&buf, samples, schema); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTimestamps(buf *bytes.Buffer, samples []record.Sample) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], samples[0].Timestamp)
	buf.Write(tmp[:n])
	prev := samples[0].Timestamp
	for _, s := range samples[1:] {
		delta := s.Timestamp - prev
		n := binary.PutVarint(tmp[:], delta)
		buf.Write(tmp[:n])
		prev = s.Timestamp
	}
}

func decodeTimestamps(r *bytes.Reader, count int) ([]int64, error) {
	ts := make([]int64, count)
	first, err := binary.ReadVarint(r)
	if err != nil {
		return nil, fmt.Errorf("tsfile: decode first timestamp: %w", err)
	}
	ts[0] = first
	prev := first
	for i := 1; i < count; i++ {
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("tsfile: decode timestamp delta %d: %w", i, err)
		}
		prev += delta
		ts[i] = prev
	}
	return ts, nil
}

func encodeValues(buf *bytes.Buffer, samples []record.Sample, schema record.Schema) error {
	switch schema.Encoding {
	case record.RLE:
		return encodeValuesRLE(buf, samples, schema)
	default:
		return encodeValuesPlain(buf, samples, schema)
	}
}

func encodeValuesPlain(buf *bytes.Buffer, samples []record.Sample, schema record.Schema) error {
	var tmp [8]byte
	for _, s := range samples {
		if err := s.Value.Validate(schema); err != nil {
			return err
		}
		switch schema.DataType {
		case record.Int32:
			binary.LittleEndian.PutUint32(tmp[:4], uint32(int32(s.Value.I64)))
			buf.Write(tmp[:4])
		case record.Int64:
			binary.LittleEndian.PutUint64(tmp[:8], uint64(s.Value.I64))
			buf.Write(tmp[:8])
		case record.Float:
			binary.LittleEndian.PutUint32(tmp[:4], math.Float32bits(float32(s.Value.F64)))
			buf.Write(tmp[:4])
		case record.Double:
			binary.LittleEndian.PutUint64(tmp[:8], math.Float64bits(s.Value.F64))
			buf.Write(tmp[:8])
		case record.Bool:
			if s.Value.Bool {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case record.Text:
			binary.LittleEndian.PutUint32(tmp[:4], uint32(len(s.Value.Text)))
			buf.Write(tmp[:4])
			buf.Write(s.Value.Text)
		}
	}
	return nil
}

func decodeValuesPlain(r *bytes.Reader, count int, dt record.DataType) ([]record.Value, error) {
	values := make([]record.Value, count)
	var tmp [8]byte
	for i := 0; i < count; i++ {
		switch dt {
		case record.Int32:
			if _, err := io.ReadFull(r, tmp[:4]); err != nil {
				return nil, err
			}
			values[i] = record.Int32Value(int32(binary.LittleEndian.Uint32(tmp[:4])))
		case record.Int64:
			if _, err := io.ReadFull(r, tmp[:8]); err != nil {
				return nil, err
			}
			values[i] = record.Int64Value(int64(binary.LittleEndian.Uint64(tmp[:8])))
		case record.Float:
			if _, err := io.ReadFull(r, tmp[:4]); err != nil {
				return nil, err
			}
			values[i] = record.FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(tmp[:4])))
		case record.Double:
			if _, err := io.ReadFull(r, tmp[:8]); err != nil {
				return nil, err
			}
			values[i] = record.DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(tmp[:8])))
		case record.Bool:
			if _, err := io.ReadFull(r, tmp[:1]); err != nil {
				return nil, err
			}
			values[i] = record.BoolValue(tmp[0] != 0)
		case record.Text:
			if _, err := io.ReadFull(r, tmp[:4]); err != nil {
				return nil, err
			}
			n := binary.LittleEndian.Uint32(tmp[:4])
			text := make([]byte, n)
			if _, err := io.ReadFull(r, text); err != nil {
				return nil, err
			}
			values[i] = record.TextValue(text)
		default:
			return nil, fmt.Errorf("tsfile: unknown data type %d", dt)
		}
	}
	return values, nil
}

func encodeValuesRLE(buf *bytes.Buffer, samples []record.Sample, schema record.Schema) error {
	var tmp [binary.MaxVarintLen64]byte
	i := 0
	for i < len(samples) {
		if err := samples[i].Value.Validate(schema); err != nil {
			return err
		}
		run := 1
		for i+run < len(samples) && valuesEqual(samples[i].Value, samples[i+run].Value) {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		var one bytes.Buffer
		if err := encodeValuesPlain(&one, samples[i:i+1], schema); err != nil {
			return err
		}
		buf.Write(one.Bytes())
		i += run
	}
	return nil
}

func decodeValuesRLE(r *bytes.Reader, count int, dt record.DataType) ([]record.Value, error) {
	values := make([]record.Value, 0, count)
	for len(values) < count {
		run, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		one, err := decodeValuesPlain(r, 1, dt)
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < run; j++ {
			values = append(values, one[0])
		}
	}
	return values, nil
}

func valuesEqual(a, b record.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case record.Int32, record.Int64:
		return a.I64 == b.I64
	case record.Float, record.Double:
		return a.F64 == b.F64
	case record.Bool:
		return a.Bool == b.Bool
	case record.Text:
		return bytes.Equal(a.Text, b.Text)
	default:
		return false
	}
}

// decodePagePayload reverses encodePagePayload.
func decodePagePayload(data []byte, count int, schema record.Schema) ([]record.Sample, error) {
	r := bytes.NewReader(data)
	ts, err := decodeTimestamps(r, count)
	if err != nil {
		return nil, err
	}
	var values []record.Value
	switch schema.Encoding {
	case record.RLE:
		values, err = decodeValuesRLE(r, count, schema.DataType)
	default:
		values, err = decodeValuesPlain(r, count, schema.DataType)
	}
	if err != nil {
		return nil, fmt.Errorf("tsfile: decode values: %w", err)
	}
	samples := make([]record.Sample, count)
	for i := range samples {
		samples[i] = record.Sample{Timestamp: ts[i], Value: values[i]}
	}
	return samples, nil
}

// compressPage compresses payload if compression is enabled and returns
// the bytes to write (payload itself when it is not).
func compressPage(payload []byte, compression record.Compression) []byte {
	if compression != record.CompressionZstd {
		return payload
	}
	return zstdEnc.EncodeAll(payload, make([]byte, 0, len(payload)))
}

func decompressPage(data []byte, uncompressedSize uint32, compression record.Compression) ([]byte, error) {
	if compression != record.CompressionZstd {
		return data, nil
	}
	return zstdDec.DecodeAll(data, make([]byte, 0, uncompressedSize))
}
