package processor

import (
	"path/filepath"
	"testing"

	"tsengine/internal/config"
	"tsengine/internal/modfile"
	"tsengine/internal/record"
	"tsengine/internal/version"
)

func schema(measurement string, dt record.DataType) record.Schema {
	return record.Schema{Measurement: measurement, DataType: dt, Encoding: record.Plain, Compression: record.CompressionZstd}
}

func TestInsertThenQuerySamplesSeesBufferedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.SyncClose()

	s := schema("temp", record.Double)
	err = p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 10,
		Points:    []record.Point{{Measurement: "temp", Schema: s, Value: record.DoubleValue(1.5)}},
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	samples, err := p.QuerySamples("d1", "temp", nil)
	if err != nil {
		t.Fatalf("QuerySamples() error = %v", err)
	}
	if len(samples) != 1 || samples[0].Timestamp != 10 {
		t.Fatalf("QuerySamples() = %+v, want one sample at ts 10", samples)
	}
}

func TestInsertRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.SyncClose()

	err = p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 10,
		Points: []record.Point{
			{Measurement: "temp", Schema: schema("temp", record.Double), Value: record.Int64Value(5)},
		},
	})
	if err == nil {
		t.Fatal("Insert() with mismatched value kind = nil error, want error")
	}
}

func TestInsertTabletPartialFailureKeepsGoodRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.SyncClose()

	results := p.InsertTablet(record.TabletPlan{
		Device:     "d1",
		Timestamps: []int64{10, 20},
		Columns: []record.TabletColumn{
			{Measurement: "temp", Schema: schema("temp", record.Double), Values: []record.Value{
				record.DoubleValue(1), record.Int64Value(2), // row 1 mismatched kind
			}},
		},
	})
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("results[0].Err = %v, want nil", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("results[1].Err = nil, want an error for the mismatched value")
	}

	samples, err := p.QuerySamples("d1", "temp", nil)
	if err != nil {
		t.Fatalf("QuerySamples() error = %v", err)
	}
	if len(samples) != 1 || samples[0].Timestamp != 10 {
		t.Fatalf("QuerySamples() = %+v, want only the row-0 sample to have landed", samples)
	}
}

func TestInsertIntoClosedProcessorFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.SyncClose(); err != nil {
		t.Fatalf("SyncClose() error = %v", err)
	}

	err = p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 1,
		Points:    []record.Point{{Measurement: "temp", Schema: schema("temp", record.Double), Value: record.DoubleValue(1)}},
	})
	if err == nil {
		t.Fatal("Insert() on a closed processor = nil error, want error")
	}
}

func TestShouldFlushCrossesThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	cfg := config.Default()
	cfg.MemtableSizeThreshold = 1 // any insert crosses this
	p, err := New(path, vc, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.SyncClose()

	if p.ShouldFlush() {
		t.Fatal("ShouldFlush() = true before any insert")
	}
	p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 1,
		Points:    []record.Point{{Measurement: "temp", Schema: schema("temp", record.Double), Value: record.DoubleValue(1)}},
	})
	if !p.ShouldFlush() {
		t.Fatal("ShouldFlush() = false after crossing the threshold")
	}
}

func TestSyncFlushMakesDataQueryableAsFlushedChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.SyncClose()

	p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 5,
		Points:    []record.Point{{Measurement: "temp", Schema: schema("temp", record.Double), Value: record.DoubleValue(9)}},
	})
	versionBeforeFlush := p.Version()

	if err := p.SyncFlush(); err != nil {
		t.Fatalf("SyncFlush() error = %v", err)
	}
	if p.Version() == versionBeforeFlush {
		t.Fatal("Version() unchanged after SyncFlush, want a freshly issued active-memtable version")
	}

	samples, err := p.QuerySamples("d1", "temp", nil)
	if err != nil {
		t.Fatalf("QuerySamples() after flush error = %v", err)
	}
	if len(samples) != 1 || samples[0].Timestamp != 5 {
		t.Fatalf("QuerySamples() after flush = %+v, want the flushed sample still visible", samples)
	}
}

func TestQuerySamplesAppliesDeletionsPerSourceVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.unseq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.SyncClose()

	p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 5,
		Points:    []record.Point{{Measurement: "temp", Schema: schema("temp", record.Double), Value: record.DoubleValue(1)}},
	})
	if err := p.SyncFlush(); err != nil {
		t.Fatalf("SyncFlush() error = %v", err)
	}
	flushedVersion := -1
	for _, chunk := range p.writer.ChunksSoFar("d1", "temp") {
		flushedVersion = int(chunk.Version)
	}
	if flushedVersion < 0 {
		t.Fatal("no flushed chunk found")
	}

	// insert a newer write after the flush, at a different timestamp
	p.Insert(record.InsertPlan{
		Device:    "d1",
		Timestamp: 8,
		Points:    []record.Point{{Measurement: "temp", Schema: schema("temp", record.Double), Value: record.DoubleValue(2)}},
	})

	deletions := []modfile.Deletion{{Device: "d1", Measurement: "temp", UpperBound: 6, FileVersion: int64(flushedVersion)}}
	samples, err := p.QuerySamples("d1", "temp", deletions)
	if err != nil {
		t.Fatalf("QuerySamples() error = %v", err)
	}
	// the flushed sample at ts 5 falls under the tombstone's upper bound and
	// its own version; the buffered sample at ts 8 does not.
	if len(samples) != 1 || samples[0].Timestamp != 8 {
		t.Fatalf("QuerySamples() with deletion = %+v, want only ts 8 surviving", samples)
	}
}

func TestSealPreventsFurtherDirectQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.seq.1.tsfile")
	vc := version.NewController(0)
	p, err := New(path, vc, config.Default(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.SyncClose(); err != nil {
		t.Fatalf("SyncClose() error = %v", err)
	}
	if !p.Closed() {
		t.Fatal("Closed() = false after SyncClose()")
	}
	if _, err := p.QuerySamples("d1", "temp", nil); err == nil {
		t.Fatal("QuerySamples() on a closed processor = nil error, want error directing callers to tsfile.Reader")
	}
}
