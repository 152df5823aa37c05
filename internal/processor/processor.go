// Package processor implements the file processor: the owner of one
// unsealed data file, its active and (at most one) flushing memtable, and
// the flush/seal protocol between them (spec §3, §4.4).
package processor

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"tsengine/internal/config"
	"tsengine/internal/logging"
	"tsengine/internal/memtable"
	"tsengine/internal/modfile"
	"tsengine/internal/record"
	"tsengine/internal/resource"
	"tsengine/internal/tsfile"
	"tsengine/internal/version"
)

// Processor owns one unsealed data file: a writer appending chunk groups,
// the side-car resource describing what it holds, and the memtable(s)
// buffering not-yet-flushed inserts.
type Processor struct {
	mu sync.Mutex

	path   string
	cfg    config.Config
	logger *slog.Logger

	vc       *version.Controller
	writer   *tsfile.Writer
	readFile *os.File // read-only handle for serving queries against flushed-but-unsealed chunks

	resource *resource.FileResource
	active   *memtable.Memtable
	flushing *memtable.Memtable
	closed   bool

	eg errgroup.Group
}

// New creates path (which must not already exist) and returns a Processor
// ready to accept inserts.
func New(path string, vc *version.Controller, cfg config.Config, logger *slog.Logger) (*Processor, error) {
	logger = logging.Default(logger).With("component", "processor", "path", path)

	w, err := tsfile.NewWriter(path, 64, cfg.BloomFilterErrorRate)
	if err != nil {
		return nil, err
	}
	rf, err := os.Open(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("processor: open read handle: %w", err)
	}

	p := &Processor{
		path:     path,
		cfg:      cfg,
		logger:   logger,
		vc:       vc,
		writer:   w,
		readFile: rf,
		resource: resource.New(path),
		active:   memtable.New(vc.Next()),
	}
	return p, nil
}

// Recover reopens an unsealed data file left over from a crash: it
// truncates any torn tail, replays the surviving chunk groups back into
// the writer's index, and rebuilds (or widens) the file's resource
// side-car from what was recovered, so the file can keep accepting
// writes exactly as if it had never gone down (spec §8 startup
// recovery).
func Recover(path string, vc *version.Controller, cfg config.Config, logger *slog.Logger) (*Processor, error) {
	logger = logging.Default(logger).With("component", "processor", "path", path, "recovered", true)

	w, maxVersion, err := tsfile.RecoverWriter(path, 64, cfg.BloomFilterErrorRate)
	if err != nil {
		return nil, err
	}
	rf, err := os.Open(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("processor: open read handle: %w", err)
	}

	vc.Bump(maxVersion)

	res, err := resource.Deserialize(path)
	if err != nil {
		res = resource.New(path)
	}
	for _, device := range w.DevicesSoFar() {
		for _, measurement := range w.MeasurementsSoFar(device) {
			for _, chunk := range w.ChunksSoFar(device, measurement) {
				res.UpdateStartTime(device, chunk.StartTime())
				res.UpdateEndTime(device, chunk.EndTime())
			}
		}
	}

	p := &Processor{
		path:     path,
		cfg:      cfg,
		logger:   logger,
		vc:       vc,
		writer:   w,
		readFile: rf,
		resource: res,
		active:   memtable.New(vc.Next()),
	}
	logger.Info("recovered unsealed file", "maxVersionObserved", maxVersion)
	return p, nil
}

// Path returns the underlying data file path.
func (p *Processor) Path() string { return p.path }

// Version returns the version stamped on the current active memtable,
// used by storage-group query reconciliation to break same-timestamp
// ties in favor of the most recently written data.
func (p *Processor) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active.Version()
}

// Resource returns the file resource describing this processor's data
// file; callers must go through FileResource's own WriteQueryLock for any
// concurrent access beyond the fields Processor itself maintains.
func (p *Processor) Resource() *resource.FileResource { return p.resource }

// Insert buffers one single-row insert (spec §4.5 insert).
func (p *Processor) Insert(plan record.InsertPlan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("processor: insert into closed file %s", p.path)
	}
	for _, pt := range plan.Points {
		if err := pt.Value.Validate(pt.Schema); err != nil {
			return err
		}
		p.active.Insert(plan.Device, pt.Schema, record.Sample{Timestamp: plan.Timestamp, Value: pt.Value})
	}
	p.resource.UpdateStartTime(plan.Device, plan.Timestamp)
	p.resource.UpdateEndTime(plan.Device, plan.Timestamp)
	return nil
}

// InsertTablet buffers a multi-row insert for one device (spec §4.5
// insertTablet), returning a per-row outcome so a schema mismatch on one
// column doesn't abort the whole batch.
func (p *Processor) InsertTablet(plan record.TabletPlan) []record.RowResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]record.RowResult, plan.RowCount())
	if p.closed {
		for i := range results {
			results[i] = record.RowResult{Row: i, Err: fmt.Errorf("processor: insert into closed file %s", p.path)}
		}
		return results
	}

	for _, col := range plan.Columns {
		for i, v := range col.Values {
			if err := v.Validate(col.Schema); err != nil {
				if results[i].Err == nil {
					results[i] = record.RowResult{Row: i, Err: err}
				}
			}
		}
	}
	for _, col := range plan.Columns {
		values := make([]record.Value, 0, len(col.Values))
		timestamps := make([]int64, 0, len(col.Values))
		for i, v := range col.Values {
			if results[i].Err != nil {
				continue
			}
			values = append(values, v)
			timestamps = append(timestamps, plan.Timestamps[i])
		}
		p.active.InsertTablet(plan.Device, col.Schema, timestamps, values)
	}
	for _, ts := range plan.Timestamps {
		p.resource.UpdateStartTime(plan.Device, ts)
		p.resource.UpdateEndTime(plan.Device, ts)
	}
	return results
}

// ShouldFlush reports whether the active memtable has crossed
// memtableSizeThreshold (spec §6).
func (p *Processor) ShouldFlush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active.SizeBytes() >= p.cfg.MemtableSizeThreshold
}

// beginFlush swaps the active memtable out for flushing under lock and
// installs a fresh active memtable, returning false if there's nothing to
// flush or a flush is already in progress (spec §4.4: at most one
// flushing memtable at a time).
func (p *Processor) beginFlush() (*memtable.Memtable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushing != nil || p.active.IsEmpty() {
		return nil, false
	}
	p.flushing = p.active
	p.active = memtable.New(p.vc.Next())
	return p.flushing, true
}

func (p *Processor) finishFlush(mt *memtable.Memtable) error {
	for _, device := range mt.Devices() {
		cols := make([]tsfile.Column, 0)
		for _, s := range mt.DeviceSeries(device) {
			cols = append(cols, tsfile.Column{Schema: s.Schema, Samples: s.Samples})
		}
		if err := p.writer.WriteChunkGroup(device, mt.Version(), cols); err != nil {
			return fmt.Errorf("processor: write chunk group for %s: %w", device, err)
		}
	}
	if err := p.writer.WriteVersionRecord(mt.Version()); err != nil {
		return fmt.Errorf("processor: write version record: %w", err)
	}
	if err := p.writer.Flush(); err != nil {
		return err
	}

	p.mu.Lock()
	p.flushing = nil
	p.mu.Unlock()

	if err := p.resource.Serialize(); err != nil {
		return fmt.Errorf("processor: serialize resource: %w", err)
	}
	p.logger.Info("flushed memtable", "version", mt.Version())
	return nil
}

// SyncFlush flushes the active memtable (if non-empty) and blocks until
// it's durable.
func (p *Processor) SyncFlush() error {
	mt, ok := p.beginFlush()
	if !ok {
		return nil
	}
	return p.finishFlush(mt)
}

// AsyncFlush schedules a flush on a background goroutine tracked by the
// processor's errgroup; call Wait to observe its result.
func (p *Processor) AsyncFlush() {
	mt, ok := p.beginFlush()
	if !ok {
		return
	}
	p.eg.Go(func() error { return p.finishFlush(mt) })
}

// Wait blocks until every AsyncFlush/AsyncClose scheduled so far has
// completed, returning the first error encountered.
func (p *Processor) Wait() error { return p.eg.Wait() }

// SyncClose flushes any remaining active data and seals the file,
// blocking until complete (spec §3/§4.4 "close (sync)").
func (p *Processor) SyncClose() error {
	if err := p.eg.Wait(); err != nil {
		return err
	}
	if err := p.SyncFlush(); err != nil {
		return err
	}
	return p.seal()
}

// AsyncClose schedules the flush-then-seal sequence on a background
// goroutine; call Wait to block for completion (spec §3/§4.4 "close
// (async)").
func (p *Processor) AsyncClose() {
	p.eg.Go(func() error {
		if err := p.SyncFlush(); err != nil {
			return err
		}
		return p.seal()
	})
}

func (p *Processor) seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("processor: seal: %w", err)
	}
	if err := p.readFile.Close(); err != nil {
		return fmt.Errorf("processor: close read handle: %w", err)
	}
	p.resource.Closed = true
	p.closed = true
	if err := p.resource.Serialize(); err != nil {
		return fmt.Errorf("processor: serialize resource on seal: %w", err)
	}
	p.logger.Info("sealed file")
	return nil
}

// Closed reports whether the file has been sealed.
func (p *Processor) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// QuerySamples returns every sample for device/measurement not yet
// visible through a sealed reader: the active and flushing memtables'
// buffered data, plus any chunks already flushed to disk but not yet
// covered by a sealed file's index (spec §4.4: flushed-but-unsealed data
// stays queryable). deletions is applied against each source's own
// version (a flushed chunk's recorded version, or the owning memtable's
// version for buffered data still in RAM) so a delete issued after a
// flush doesn't retroactively cover an unrelated later write sharing the
// same nominal timestamp (spec §4.5 delete, §8 "unseq unsealed delete").
func (p *Processor) QuerySamples(device, measurement string, deletions []modfile.Deletion) ([]record.Sample, error) {
	p.mu.Lock()
	active := p.active
	flushing := p.flushing
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("processor: query closed file %s directly; use tsfile.Reader instead", p.path)
	}

	var out []record.Sample
	for _, chunk := range p.writer.ChunksSoFar(device, measurement) {
		samples, err := tsfile.ReadChunkFrom(p.readFile, p.fileSize(), chunk)
		if err != nil {
			return nil, fmt.Errorf("processor: read flushed chunk: %w", err)
		}
		for _, s := range samples {
			if modfile.Apply(deletions, device, measurement, s.Timestamp, chunk.Version) {
				continue
			}
			out = append(out, s)
		}
	}
	if flushing != nil {
		if s, ok := flushing.Series(device, measurement); ok {
			for _, sample := range s.Samples {
				if modfile.Apply(deletions, device, measurement, sample.Timestamp, flushing.Version()) {
					continue
				}
				out = append(out, sample)
			}
		}
	}
	if s, ok := active.Series(device, measurement); ok {
		for _, sample := range s.Samples {
			if modfile.Apply(deletions, device, measurement, sample.Timestamp, active.Version()) {
				continue
			}
			out = append(out, sample)
		}
	}
	return out, nil
}

func (p *Processor) fileSize() int64 {
	info, err := p.readFile.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}
