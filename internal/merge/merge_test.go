package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"tsengine/internal/config"
	"tsengine/internal/modfile"
	"tsengine/internal/record"
	"tsengine/internal/resource"
	"tsengine/internal/tsfile"
)

func writeDeviceFile(t *testing.T, path, device string, version int64, samples ...record.Sample) *resource.FileResource {
	t.Helper()
	w, err := tsfile.NewWriter(path, 4, 0.01)
	if err != nil {
		t.Fatalf("NewWriter(%s) error = %v", path, err)
	}
	err = w.WriteChunkGroup(device, version, []tsfile.Column{
		{Schema: record.Schema{Measurement: "temp", DataType: record.Double}, Samples: samples},
	})
	if err != nil {
		t.Fatalf("WriteChunkGroup() error = %v", err)
	}
	if err := w.WriteVersionRecord(version); err != nil {
		t.Fatalf("WriteVersionRecord() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r := resource.New(path)
	var start, end int64
	first := true
	for _, s := range samples {
		if first || s.Timestamp < start {
			start = s.Timestamp
		}
		if first || s.Timestamp > end {
			end = s.Timestamp
		}
		first = false
	}
	r.UpdateStartTime(device, start)
	r.UpdateEndTime(device, end)
	r.Closed = true
	if err := r.Serialize(); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return r
}

func TestExecuteSqueezeMergesDistinctTimestamps(t *testing.T) {
	dir := t.TempDir()
	seq := writeDeviceFile(t, filepath.Join(dir, "0.seq.1.tsfile"), "d1", 1,
		record.Sample{Timestamp: 10, Value: record.DoubleValue(1)},
		record.Sample{Timestamp: 30, Value: record.DoubleValue(3)},
	)
	unseq := writeDeviceFile(t, filepath.Join(dir, "0.unseq.2.tsfile"), "d1", 2,
		record.Sample{Timestamp: 20, Value: record.DoubleValue(2)},
	)

	task := &Task{
		ID:       NewTaskID(),
		Dir:      dir,
		Strategy: config.StrategySqueeze,
		Seq:      []*resource.FileResource{seq},
		Unseq:    []*resource.FileResource{unseq},
		Version:  10,
		Cfg:      config.Default(),
	}
	result, err := Execute(task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Output == nil {
		t.Fatal("Execute() result.Output = nil")
	}
	if len(result.Removed) != 2 {
		t.Fatalf("Execute() removed %d files, want 2 (both sources removed under SQUEEZE)", len(result.Removed))
	}

	reader, err := tsfile.Open(result.Output.Path)
	if err != nil {
		t.Fatalf("Open(merged output) error = %v", err)
	}
	defer reader.Close()
	chunks, err := reader.GetChunkMetadataList("d1", "temp")
	if err != nil {
		t.Fatalf("GetChunkMetadataList() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	samples, err := reader.ReadChunk(chunks[0])
	if err != nil {
		t.Fatalf("ReadChunk() error = %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("len(samples) = %d, want 3 merged samples", len(samples))
	}
	wantTimestamps := []int64{10, 20, 30}
	for i, want := range wantTimestamps {
		if samples[i].Timestamp != want {
			t.Errorf("samples[%d].Timestamp = %d, want %d", i, samples[i].Timestamp, want)
		}
	}

	// the source files must be gone; the log must be cleaned up.
	if _, err := os.Stat(seq.Path); !os.IsNotExist(err) {
		t.Error("seq source file still exists after SQUEEZE merge")
	}
	if _, err := os.Stat(unseq.Path); !os.IsNotExist(err) {
		t.Error("unseq source file still exists after SQUEEZE merge")
	}
	if _, err := os.Stat(filepath.Join(dir, LogName)); !os.IsNotExist(err) {
		t.Error("merge.log still exists after a completed merge")
	}
}

func TestExecuteNewerVersionWinsTimestampTie(t *testing.T) {
	dir := t.TempDir()
	seq := writeDeviceFile(t, filepath.Join(dir, "0.seq.1.tsfile"), "d1", 1,
		record.Sample{Timestamp: 10, Value: record.DoubleValue(1)},
	)
	unseq := writeDeviceFile(t, filepath.Join(dir, "0.unseq.2.tsfile"), "d1", 2,
		record.Sample{Timestamp: 10, Value: record.DoubleValue(99)}, // overwrite, higher version
	)

	task := &Task{
		ID:       NewTaskID(),
		Dir:      dir,
		Strategy: config.StrategySqueeze,
		Seq:      []*resource.FileResource{seq},
		Unseq:    []*resource.FileResource{unseq},
		Version:  10,
		Cfg:      config.Default(),
	}
	result, err := Execute(task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	reader, err := tsfile.Open(result.Output.Path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()
	chunks, _ := reader.GetChunkMetadataList("d1", "temp")
	samples, err := reader.ReadChunk(chunks[0])
	if err != nil {
		t.Fatalf("ReadChunk() error = %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("len(samples) = %d, want 1 deduplicated sample", len(samples))
	}
	if samples[0].Value.F64 != 99 {
		t.Fatalf("samples[0].Value = %v, want the higher-version overwrite (99)", samples[0].Value.F64)
	}
}

func TestExecuteAppliesDeletions(t *testing.T) {
	dir := t.TempDir()
	seq := writeDeviceFile(t, filepath.Join(dir, "0.seq.1.tsfile"), "d1", 1,
		record.Sample{Timestamp: 10, Value: record.DoubleValue(1)},
		record.Sample{Timestamp: 20, Value: record.DoubleValue(2)},
	)

	deletionsFn := func(path string) []modfile.Deletion {
		return []modfile.Deletion{{Device: "d1", Measurement: "temp", UpperBound: 15, FileVersion: 5}}
	}

	task := &Task{
		ID:        NewTaskID(),
		Dir:       dir,
		Strategy:  config.StrategySqueeze,
		Seq:       []*resource.FileResource{seq},
		Deletions: deletionsFn,
		Version:   10,
		Cfg:       config.Default(),
	}
	result, err := Execute(task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	reader, err := tsfile.Open(result.Output.Path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()
	chunks, _ := reader.GetChunkMetadataList("d1", "temp")
	samples, err := reader.ReadChunk(chunks[0])
	if err != nil {
		t.Fatalf("ReadChunk() error = %v", err)
	}
	if len(samples) != 1 || samples[0].Timestamp != 20 {
		t.Fatalf("samples = %+v, want only the timestamp-20 sample surviving the tombstone", samples)
	}
}

func TestExecuteInplaceSwapsOntoLowestSeqPath(t *testing.T) {
	dir := t.TempDir()
	seq := writeDeviceFile(t, filepath.Join(dir, "0.seq.1.tsfile"), "d1", 1,
		record.Sample{Timestamp: 10, Value: record.DoubleValue(1)},
	)
	unseq := writeDeviceFile(t, filepath.Join(dir, "0.unseq.2.tsfile"), "d1", 2,
		record.Sample{Timestamp: 20, Value: record.DoubleValue(2)},
	)
	seqPath := seq.Path

	task := &Task{
		ID:       NewTaskID(),
		Dir:      dir,
		Strategy: config.StrategyInplace,
		Seq:      []*resource.FileResource{seq},
		Unseq:    []*resource.FileResource{unseq},
		Version:  10,
		Cfg:      config.Default(),
	}
	result, err := Execute(task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Output.Path != seqPath {
		t.Fatalf("Output.Path = %q, want the original sequence file's path %q", result.Output.Path, seqPath)
	}
	if len(result.Removed) != 1 || result.Removed[0].Path != unseq.Path {
		t.Fatalf("Removed = %+v, want only the unsequence source", result.Removed)
	}
	if _, err := os.Stat(seqPath); err != nil {
		t.Fatalf("sequence path %s missing after INPLACE merge: %v", seqPath, err)
	}
}

func TestRecoverStateNoneIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := Recover(dir, true); err != nil {
		t.Fatalf("Recover() on a directory with no log = %v, want nil", err)
	}
}

func TestRecoverAbortsMergeStartState(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, LogName)
	lw, err := CreateLog(logPath)
	if err != nil {
		t.Fatalf("CreateLog() error = %v", err)
	}
	lw.Source(SourceRecord{Path: "a.tsfile", Seq: true})
	lw.MergeStart()
	lw.Close()

	orphan := filepath.Join(dir, "merge-10.tsfile.tmp")
	if err := os.WriteFile(orphan, []byte("partial output"), 0o644); err != nil {
		t.Fatalf("seed orphan output: %v", err)
	}

	if err := Recover(dir, true); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("merge.log still exists after Recover() aborted a MERGE_START-state merge")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned temp output still exists after Recover() aborted a MERGE_START-state merge")
	}
}

// TestExecuteMergesDeviceWithManyMeasurementsViaBulkRead writes more
// measurements on one device than tsfile.BulkReadThreshold(), forcing
// mergeDeviceColumns onto the bulk-read path, and checks every
// measurement's sample still comes through the merge intact.
func TestExecuteMergesDeviceWithManyMeasurementsViaBulkRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.seq.1.tsfile")
	w, err := tsfile.NewWriter(path, 4, 0.01)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	total := tsfile.BulkReadThreshold() + 10
	var cols []tsfile.Column
	for i := 0; i < total; i++ {
		cols = append(cols, tsfile.Column{
			Schema:  record.Schema{Measurement: fmt.Sprintf("m%03d", i), DataType: record.Int64},
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

	r := resource.New(path)
	r.UpdateStartTime("d1", 0)
	r.UpdateEndTime("d1", int64(total-1))
	r.Closed = true
	if err := r.Serialize(); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	task := &Task{
		ID:       NewTaskID(),
		Dir:      dir,
		Strategy: config.StrategySqueeze,
		Seq:      []*resource.FileResource{r},
		Version:  10,
		Cfg:      config.Default(),
	}
	result, err := Execute(task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	reader, err := tsfile.Open(result.Output.Path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()
	for _, idx := range []int{0, tsfile.BulkReadThreshold() - 1, tsfile.BulkReadThreshold(), total - 1} {
		m := fmt.Sprintf("m%03d", idx)
		chunks, err := reader.GetChunkMetadataList("d1", m)
		if err != nil {
			t.Fatalf("GetChunkMetadataList(%s) error = %v", m, err)
		}
		if len(chunks) != 1 {
			t.Fatalf("GetChunkMetadataList(%s) = %d chunks, want 1", m, len(chunks))
		}
		samples, err := reader.ReadChunk(chunks[0])
		if err != nil {
			t.Fatalf("ReadChunk(%s) error = %v", m, err)
		}
		if len(samples) != 1 || samples[0].Timestamp != int64(idx) {
			t.Fatalf("ReadChunk(%s) = %+v, want one sample at ts %d (merge must survive the bulk-read path)", m, samples, idx)
		}
	}
}

func TestRecoverResumesAllTSMergedState(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "0.seq.1.tsfile")
	if err := os.WriteFile(srcPath, []byte("stale source content"), 0o644); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	logPath := filepath.Join(dir, LogName)
	lw, err := CreateLog(logPath)
	if err != nil {
		t.Fatalf("CreateLog() error = %v", err)
	}
	lw.Source(SourceRecord{Path: srcPath, Seq: true})
	lw.MergeStart()
	lw.TSEnd("d1")
	lw.AllTSMerged()
	lw.Close()

	tmpOut := filepath.Join(dir, "merge-10.tsfile.tmp")
	if err := os.WriteFile(tmpOut, []byte("sealed merge output"), 0o644); err != nil {
		t.Fatalf("seed orphan output: %v", err)
	}
	if err := os.Remove(srcPath); err != nil {
		t.Fatalf("remove stale source to simulate swap target already vacated: %v", err)
	}

	if err := Recover(dir, true); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("expected the merge output renamed into the source's path: %v", err)
	}
	if string(data) != "sealed merge output" {
		t.Fatalf("content at %s = %q, want the merge output's content", srcPath, data)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("merge.log still exists after Recover() resumed an ALL_TS_MERGED-state merge")
	}
}
