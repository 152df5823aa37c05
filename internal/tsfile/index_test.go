package tsfile

import (
	"fmt"
	"path/filepath"
	"testing"

	"tsengine/internal/record"
)

// TestIndexTreeSplitsBeyondFanout writes more measurements for one device
// than MaxIndexFanout, forcing writeFanoutLevel to build an internal node
// over several leaf nodes, and checks every measurement is still found
// through the resulting multi-level tree.
func TestIndexTreeSplitsBeyondFanout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.seq.1.tsfile")
	w, err := NewWriter(path, 10, 0.01)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	total := MaxIndexFanout + 5
	var cols []Column
	for i := 0; i < total; i++ {
		m := fmt.Sprintf("m%03d", i)
		cols = append(cols, Column{
			Schema:  record.Schema{Measurement: m, DataType: record.Int64},
			Samples: []record.Sample{{Timestamp: int64(i), Value: record.Int64Value(int64(i))}},
		})
	}
	if err := w.WriteChunkGroup("d1", 1, cols); err != nil {
		t.Fatalf("WriteChunkGroup() error = %v", err)
	}
	if err := w.WriteVersionRecord(1); err != nil {
		t.Fatalf("WriteVersionRecord() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	measurements, err := r.ListMeasurements("d1")
	if err != nil {
		t.Fatalf("ListMeasurements() error = %v", err)
	}
	if len(measurements) != total {
		t.Fatalf("ListMeasurements() returned %d measurements, want %d (fanout split must not drop entries)", len(measurements), total)
	}

	// spot-check a measurement from the first leaf, one near the split
	// boundary, and one from the last leaf.
	for _, idx := range []int{0, MaxIndexFanout - 1, MaxIndexFanout, total - 1} {
		m := fmt.Sprintf("m%03d", idx)
		chunks, err := r.GetChunkMetadataList("d1", m)
		if err != nil {
			t.Fatalf("GetChunkMetadataList(%s) error = %v", m, err)
		}
		if len(chunks) != 1 {
			t.Fatalf("GetChunkMetadataList(%s) = %d chunks, want 1", m, len(chunks))
		}
		samples, err := r.ReadChunk(chunks[0])
		if err != nil {
			t.Fatalf("ReadChunk(%s) error = %v", m, err)
		}
		if len(samples) != 1 || samples[0].Timestamp != int64(idx) {
			t.Fatalf("ReadChunk(%s) = %+v, want one sample at ts %d", m, samples, idx)
		}
	}
}

func TestIndexNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := indexNode{
		typ:      0,
		runStart: 10,
		runEnd:   200,
		entries: []indexEntry{
			{key: "temp", childOffset: 1024, childType: 0},
			{key: "humidity", childOffset: 2048, childType: 1},
		},
	}
	decoded, err := decodeIndexNode(n.encode())
	if err != nil {
		t.Fatalf("decodeIndexNode() error = %v", err)
	}
	if decoded.runStart != n.runStart || decoded.runEnd != n.runEnd {
		t.Fatalf("decodeIndexNode() run bounds = (%d, %d), want (%d, %d)", decoded.runStart, decoded.runEnd, n.runStart, n.runEnd)
	}
	if len(decoded.entries) != 2 || decoded.entries[0].key != "temp" || decoded.entries[1].key != "humidity" {
		t.Fatalf("decodeIndexNode() entries = %+v", decoded.entries)
	}
	if decoded.entries[0].childOffset != 1024 || decoded.entries[1].childOffset != 2048 {
		t.Fatalf("decodeIndexNode() childOffsets = %+v", decoded.entries)
	}
}

func TestDecodeIndexNodeTooShort(t *testing.T) {
	if _, err := decodeIndexNode([]byte{1, 2, 3}); err == nil {
		t.Fatal("decodeIndexNode() on a truncated header = nil error, want error")
	}
}
