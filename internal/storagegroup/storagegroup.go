// Package storagegroup implements the top-level write/query/delete/merge
// orchestrator: partition resolution, sequence/unsequence file routing,
// query-time reconciliation across memtables and sealed files, and
// recovery on restart (spec §3, §4.5, §8, §9).
//
// Lock order, innermost last: storage group -> partition -> file resource
// -> metadata cache. A goroutine never acquires a coarser lock while
// holding a finer one.
package storagegroup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tsengine/internal/cache"
	"tsengine/internal/config"
	"tsengine/internal/logging"
	"tsengine/internal/merge"
	"tsengine/internal/modfile"
	"tsengine/internal/processor"
	"tsengine/internal/record"
	"tsengine/internal/resource"
	"tsengine/internal/tsfile"
	"tsengine/internal/version"
)

// DurabilityLog is the external write-ahead-log collaborator: the
// storage group calls Append before admitting an insert into a memtable,
// so a caller's insert only returns success after the operation is
// durable on the WAL, independent of when the memtable itself is flushed
// (spec §4.5's "write returns only after WAL durable" ordering guarantee).
// Concrete WAL implementations live outside this module; tests use an
// in-memory fake.
type DurabilityLog interface {
	Append(entry []byte) error
}

// partition holds every file processor for one time-partition: sequence
// processors accepting in-order writes, and any number of unsequence
// processors holding out-of-order data (spec §3/§4.5). Both lists
// accumulate historical sealed files the same way: at most one entry in
// each is still open for writes (the last one appended), every earlier
// entry is sealed and stays queryable/mergeable until a merge removes it.
type partition struct {
	mu sync.RWMutex

	key   int64
	seq   []*processor.Processor
	unseq []*processor.Processor
}

// StorageGroup is the orchestrator for one storage group: a named
// collection of devices sharing one partition scheme, merge policy, and
// metadata cache (spec §3).
type StorageGroup struct {
	name   string
	dir    string
	cfg    config.Config
	logger *slog.Logger

	wal DurabilityLog
	vc  *version.Controller

	cache *cache.Cache

	mu         sync.RWMutex
	partitions map[int64]*partition

	deviceLatestEnd map[string]int64 // last-seen timestamp per device, for seq/unseq classification

	modFiles map[string]*modfile.File // data file path -> open .mods handle

	// sealedResources holds every Complete file's resource, discovered at
	// startup recovery; sealed files have no live Processor, queries reach
	// them only through a fresh tsfile.Reader per read (spec §8).
	sealedResources []*resource.FileResource

	mergeWG sync.WaitGroup // tracks merges triggered by maybeMerge, waited on by Close
}

// Open creates or recovers a storage group rooted at dir (spec §8
// "startup recovery").
func Open(name, dir string, cfg config.Config, wal DurabilityLog, logger *slog.Logger) (*StorageGroup, error) {
	logger = logging.Default(logger).With("component", "storagegroup", "name", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storagegroup: create dir %s: %w", dir, err)
	}

	c, err := cache.New(cfg.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("storagegroup: create metadata cache: %w", err)
	}

	sg := &StorageGroup{
		name:            name,
		dir:             dir,
		cfg:             cfg,
		logger:          logger,
		wal:             wal,
		cache:           c,
		partitions:      make(map[int64]*partition),
		deviceLatestEnd: make(map[string]int64),
		modFiles:        make(map[string]*modfile.File),
	}
	if err := sg.recover(); err != nil {
		return nil, err
	}
	return sg, nil
}

// dataFileName builds the on-disk name newDataPath writes and recover
// parses: "<partitionKey>.<seq|unseq>.<version>.tsfile". The embedded
// version is only ever used as a recovery-time lower bound for seeding
// the version controller — the authoritative per-chunk version lives in
// the file's own body/index, not its name.
func dataFileName(key int64, seq bool, version int64) string {
	kind := "unseq"
	if seq {
		kind = "seq"
	}
	return fmt.Sprintf("%d.%s.%d.tsfile", key, kind, version)
}

// parseDataFileName reverses dataFileName, returning ok=false for any
// file in dir that doesn't match the convention (ignored by recover).
func parseDataFileName(path string) (key int64, seq bool, version int64, ok bool) {
	base := strings.TrimSuffix(filepath.Base(path), ".tsfile")
	if base == filepath.Base(path) {
		return 0, false, 0, false
	}
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return 0, false, 0, false
	}
	key, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false, 0, false
	}
	switch parts[1] {
	case "seq":
		seq = true
	case "unseq":
		seq = false
	default:
		return 0, false, 0, false
	}
	version, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false, 0, false
	}
	return key, seq, version, true
}

// recover walks every data file in sg.dir, classifying each via
// tsfile.SelfCheck: Complete files are kept as read-only sealed
// resources, Truncated/OnlyMagicHead files are reopened as live
// processors with their torn tail discarded (spec §4.1, §8). The version
// controller is seeded from the highest version observed across every
// recovered file so a freshly issued version can never collide with one
// already durable on disk.
func (sg *StorageGroup) recover() error {
	if err := merge.Recover(sg.dir, true); err != nil {
		return fmt.Errorf("storagegroup: recover in-progress merge: %w", err)
	}

	entries, err := filepath.Glob(filepath.Join(sg.dir, "*.tsfile"))
	if err != nil {
		return fmt.Errorf("storagegroup: glob data files: %w", err)
	}
	sort.Strings(entries)

	type pendingUnsealed struct {
		path string
		key  int64
		seq  bool
	}
	var unsealed []pendingUnsealed
	var maxVersion int64

	for _, path := range entries {
		key, seq, fileVersion, ok := parseDataFileName(path)
		if !ok {
			sg.logger.Warn("skipping unrecognized data file", "path", path)
			continue
		}
		if fileVersion > maxVersion {
			maxVersion = fileVersion
		}

		check, err := tsfile.SelfCheck(path)
		if err != nil {
			return fmt.Errorf("storagegroup: self-check %s: %w", path, err)
		}
		switch check.Status {
		case tsfile.Incompatible:
			return fmt.Errorf("storagegroup: incompatible data file %s", path)
		case tsfile.Complete:
			res, err := resource.Deserialize(path)
			if err != nil {
				return fmt.Errorf("storagegroup: deserialize resource for sealed file %s: %w", path, err)
			}
			for v := range res.HistoricalVersions {
				if v > maxVersion {
					maxVersion = v
				}
			}
			sg.sealedResources = append(sg.sealedResources, res)
			sg.seedDeviceLatestEnd(res)
		default:
			unsealed = append(unsealed, pendingUnsealed{path: path, key: key, seq: seq})
		}
	}

	sg.vc = version.NewController(maxVersion)

	for _, u := range unsealed {
		proc, err := processor.Recover(u.path, sg.vc, sg.cfg, sg.logger)
		if err != nil {
			return fmt.Errorf("storagegroup: recover %s: %w", u.path, err)
		}
		p := sg.partitionFor(u.key)
		p.mu.Lock()
		if u.seq {
			p.seq = append(p.seq, proc)
		} else {
			p.unseq = append(p.unseq, proc)
		}
		p.mu.Unlock()
		sg.seedDeviceLatestEnd(proc.Resource())
	}
	return nil
}

// seedDeviceLatestEnd widens the seq/unseq classification baseline from a
// recovered resource's per-device end times, so classification after a
// restart agrees with what it would have been had the process never gone
// down.
func (sg *StorageGroup) seedDeviceLatestEnd(res *resource.FileResource) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	for _, device := range res.Devices() {
		_, end, ok := res.TimeRange(device)
		if !ok {
			continue
		}
		if cur, exists := sg.deviceLatestEnd[device]; !exists || end > cur {
			sg.deviceLatestEnd[device] = end
		}
	}
}

// partitionKey maps a timestamp to its time-partition index.
func (sg *StorageGroup) partitionKey(ts int64) int64 {
	return ts / sg.cfg.PartitionInterval
}

func (sg *StorageGroup) partitionFor(key int64) *partition {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	p, ok := sg.partitions[key]
	if !ok {
		p = &partition{key: key}
		sg.partitions[key] = p
	}
	return p
}

// isSequence reports whether a write to device at ts arrives in order
// relative to the highest timestamp already recorded for that device —
// the seq/unseq classification the spec routes every insert through
// (spec §3/§4.5).
func (sg *StorageGroup) isSequence(device string, ts int64) bool {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	last, ok := sg.deviceLatestEnd[device]
	if !ok || ts >= last {
		sg.deviceLatestEnd[device] = ts
		return true
	}
	return false
}

func (sg *StorageGroup) newDataPath(key int64, seq bool) string {
	return filepath.Join(sg.dir, dataFileName(key, seq, sg.vc.Next()))
}

// Insert performs a single-row insert (spec §4.5): durability-log first,
// then routed into the sequence or an unsequence processor for the
// partition the timestamp falls into.
func (sg *StorageGroup) Insert(plan record.InsertPlan) error {
	if sg.wal != nil {
		if err := sg.wal.Append(encodeInsertForWAL(plan)); err != nil {
			return fmt.Errorf("storagegroup: WAL append: %w", err)
		}
	}

	key := sg.partitionKey(plan.Timestamp)
	p := sg.partitionFor(key)
	seq := sg.isSequence(plan.Device, plan.Timestamp)

	proc, err := sg.targetProcessor(p, key, seq)
	if err != nil {
		return err
	}
	if err := proc.Insert(plan); err != nil {
		return err
	}
	sg.maybeFlush(proc)
	sg.maybeMerge(p, key)
	return nil
}

// InsertTablet performs a multi-row insert for one device (spec §4.5
// insertTablet), splitting rows across partition and sequence/unsequence
// boundaries so each sub-batch lands in exactly one processor.
func (sg *StorageGroup) InsertTablet(plan record.TabletPlan) []record.RowResult {
	results := make([]record.RowResult, plan.RowCount())

	type rowGroup struct {
		key int64
		seq bool
	}
	groups := make(map[rowGroup][]int)
	for i, ts := range plan.Timestamps {
		key := sg.partitionKey(ts)
		seq := sg.isSequence(plan.Device, ts)
		g := rowGroup{key: key, seq: seq}
		groups[g] = append(groups[g], i)
	}

	for g, rows := range groups {
		p := sg.partitionFor(g.key)
		proc, err := sg.targetProcessor(p, g.key, g.seq)
		if err != nil {
			for _, i := range rows {
				results[i] = record.RowResult{Row: i, Err: err}
			}
			continue
		}

		sub := record.TabletPlan{Device: plan.Device, Timestamps: make([]int64, len(rows))}
		for _, col := range plan.Columns {
			values := make([]record.Value, len(rows))
			for j, i := range rows {
				values[j] = col.Values[i]
			}
			sub.Columns = append(sub.Columns, record.TabletColumn{Measurement: col.Measurement, Schema: col.Schema, Values: values})
		}
		for j, i := range rows {
			sub.Timestamps[j] = plan.Timestamps[i]
		}

		if sg.wal != nil {
			if err := sg.wal.Append(encodeTabletForWAL(plan.Device, sub)); err != nil {
				for _, i := range rows {
					results[i] = record.RowResult{Row: i, Err: fmt.Errorf("storagegroup: WAL append: %w", err)}
				}
				continue
			}
		}

		subResults := proc.InsertTablet(sub)
		for j, i := range rows {
			subResults[j].Row = i
			results[i] = subResults[j]
		}
		sg.maybeFlush(proc)
		sg.maybeMerge(p, g.key)
	}
	return results
}

// targetProcessor returns the sequence processor, or opens/selects an
// unsequence processor, for a partition — opening a fresh file if none
// exists yet or the current one has already been closed out from under a
// flush/merge.
func (sg *StorageGroup) targetProcessor(p *partition, key int64, seq bool) (*processor.Processor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq {
		if n := len(p.seq); n > 0 && !p.seq[n-1].Closed() {
			return p.seq[n-1], nil
		}
		proc, err := processor.New(sg.newDataPath(key, true), sg.vc, sg.cfg, sg.logger)
		if err != nil {
			return nil, err
		}
		p.seq = append(p.seq, proc)
		return proc, nil
	}

	for _, u := range p.unseq {
		if !u.Closed() {
			return u, nil
		}
	}
	proc, err := processor.New(sg.newDataPath(key, false), sg.vc, sg.cfg, sg.logger)
	if err != nil {
		return nil, err
	}
	p.unseq = append(p.unseq, proc)
	return proc, nil
}

func (sg *StorageGroup) maybeFlush(proc *processor.Processor) {
	if proc.ShouldFlush() {
		proc.AsyncFlush()
	}
}

// maybeMerge triggers a background merge when a partition's unsequence
// file count crosses unseqFilesPerPartitionMax (spec §6/§9). Only closed
// (sealed) files are ever merge candidates, so this never contends with
// the still-open processor that tripped the threshold.
func (sg *StorageGroup) maybeMerge(p *partition, key int64) {
	p.mu.RLock()
	count := len(p.unseq)
	p.mu.RUnlock()
	if count <= sg.cfg.UnseqFilesPerPartitionMax {
		return
	}
	sg.logger.Info("unsequence file count exceeds threshold, triggering merge", "partition", key, "count", count)
	sg.mergeWG.Add(1)
	go func() {
		defer sg.mergeWG.Done()
		if err := sg.mergePartition(key, false); err != nil {
			sg.logger.Error("background merge failed", "partition", key, "error", err)
		}
	}()
}

// Merge runs a merge pass over every partition, selecting candidates via
// the configured MergeStrategy's file selector (spec §4.5 merge(fullMerge),
// §4.6). fullMerge ignores TimeLowerBound in candidate selection,
// mirroring cfg.ForceFullMerge for a one-off call.
func (sg *StorageGroup) Merge(fullMerge bool) error {
	sg.mu.RLock()
	keys := make([]int64, 0, len(sg.partitions))
	for k := range sg.partitions {
		keys = append(keys, k)
	}
	sg.mu.RUnlock()

	for _, key := range keys {
		if err := sg.mergePartition(key, fullMerge); err != nil {
			return fmt.Errorf("storagegroup: merge partition %d: %w", key, err)
		}
	}
	return nil
}

func (sg *StorageGroup) mergePartition(key int64, fullMerge bool) error {
	p := sg.partitionFor(key)
	p.mu.RLock()
	var seqCandidates []*resource.FileResource
	for _, s := range p.seq {
		if s.Closed() {
			seqCandidates = append(seqCandidates, s.Resource())
		}
	}
	var unseqCandidates []*resource.FileResource
	for _, u := range p.unseq {
		if u.Closed() {
			unseqCandidates = append(unseqCandidates, u.Resource())
		}
	}
	p.mu.RUnlock()

	if len(unseqCandidates) == 0 {
		return nil
	}

	selector := merge.SelectorFor(sg.cfg.MergeStrategy)
	ctx := merge.SelectionContext{
		SeqCandidates:   seqCandidates,
		UnseqCandidates: unseqCandidates,
		Budget:          sg.cfg.MergeMemoryBudget,
		TimeLowerBound:  sg.cfg.TimeLowerBound,
		ForceFullMerge:  fullMerge || sg.cfg.ForceFullMerge,
	}
	seq, unseq, err := selector.Select(ctx)
	if err != nil {
		return err
	}
	if len(seq) == 0 && len(unseq) == 0 {
		return nil
	}

	task := &merge.Task{
		ID:        merge.NewTaskID(),
		Dir:       sg.dir,
		Strategy:  sg.cfg.MergeStrategy,
		Seq:       seq,
		Unseq:     unseq,
		Deletions: sg.deletionsFor,
		Version:   sg.vc.Next(),
		Cfg:       sg.cfg,
		Logger:    sg.logger,
	}
	result, err := merge.Execute(task)
	if err != nil {
		return err
	}
	sg.applyMergeResult(key, result)
	return nil
}

// applyMergeResult folds a completed merge's output into the storage
// group's bookkeeping: removed source files drop out of sealedResources
// and their partition's processor lists, the metadata cache forgets
// anything tied to a path that no longer exists, and the merge output
// joins sealedResources as a fresh Complete file.
func (sg *StorageGroup) applyMergeResult(key int64, result *merge.Result) {
	sg.mu.Lock()
	removedPaths := make(map[string]bool, len(result.Removed))
	for _, r := range result.Removed {
		removedPaths[r.Path] = true
		delete(sg.modFiles, r.Path)
		sg.cache.Remove(r.Path)
	}
	sg.cache.Remove(result.Output.Path)

	filtered := sg.sealedResources[:0]
	for _, r := range sg.sealedResources {
		if removedPaths[r.Path] || r.Path == result.Output.Path {
			continue
		}
		filtered = append(filtered, r)
	}
	sg.sealedResources = append(filtered, result.Output)
	sg.mu.Unlock()

	p := sg.partitionFor(key)
	p.mu.Lock()
	var keptSeq []*processor.Processor
	for _, s := range p.seq {
		if !removedPaths[s.Path()] {
			keptSeq = append(keptSeq, s)
		}
	}
	p.seq = keptSeq
	var keptUnseq []*processor.Processor
	for _, u := range p.unseq {
		if !removedPaths[u.Path()] {
			keptUnseq = append(keptUnseq, u)
		}
	}
	p.unseq = keptUnseq
	p.mu.Unlock()
}

// Query assembles every sample for device/measurement across the active,
// flushing, and sealed data visible to this storage group, applying
// tombstones and letting higher versions win over lower ones at equal
// timestamps (spec §4.5 query, §9 newer-wins reconciliation).
func (sg *StorageGroup) Query(device, measurement string) ([]record.Sample, error) {
	sg.mu.RLock()
	keys := make([]int64, 0, len(sg.partitions))
	for k := range sg.partitions {
		keys = append(keys, k)
	}
	sg.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	type stamped struct {
		sample  record.Sample
		version int64
	}
	var all []stamped

	for _, key := range keys {
		p := sg.partitionFor(key)
		p.mu.RLock()
		procs := make([]*processor.Processor, 0, len(p.unseq)+len(p.seq))
		procs = append(procs, p.seq...)
		procs = append(procs, p.unseq...)
		p.mu.RUnlock()

		for _, proc := range procs {
			if proc.Closed() {
				continue
			}
			deletions := sg.deletionsFor(proc.Path())
			samples, err := proc.QuerySamples(device, measurement, deletions)
			if err != nil {
				return nil, err
			}
			for _, s := range samples {
				all = append(all, stamped{sample: s, version: proc.Version()})
			}
		}
	}

	sealed, err := sg.querySealed(device, measurement)
	if err != nil {
		return nil, err
	}
	all = append(all, sealed...)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].sample.Timestamp != all[j].sample.Timestamp {
			return all[i].sample.Timestamp < all[j].sample.Timestamp
		}
		return all[i].version < all[j].version
	})

	out := make([]record.Sample, 0, len(all))
	var lastTS int64
	first := true
	for _, s := range all {
		if !first && s.sample.Timestamp == lastTS {
			out[len(out)-1] = s.sample // later (higher-version) write wins ties
			continue
		}
		out = append(out, s.sample)
		lastTS = s.sample.Timestamp
		first = false
	}
	return out, nil
}

func (sg *StorageGroup) querySealed(device, measurement string) ([]struct {
	sample  record.Sample
	version int64
}, error) {
	type stamped = struct {
		sample  record.Sample
		version int64
	}
	sg.mu.RLock()
	resources := sg.allResourcesLocked()
	sg.mu.RUnlock()

	var out []stamped
	for _, res := range resources {
		if !res.Closed || !res.ContainsDevice(device) {
			continue
		}
		res.WriteQueryLock.RLock()
		chunks, err := sg.chunkMetadataFor(res.Path, device, measurement)
		res.WriteQueryLock.RUnlock()
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			continue
		}
		reader, err := tsfile.Open(res.Path)
		if err != nil {
			return nil, err
		}
		deletions := sg.deletionsFor(res.Path)
		for _, chunk := range chunks {
			samples, err := reader.ReadChunk(chunk)
			if err != nil {
				reader.Close()
				return nil, err
			}
			for _, s := range samples {
				if modfile.Apply(deletions, device, measurement, s.Timestamp, chunk.Version) {
					continue
				}
				out = append(out, stamped{sample: s, version: chunk.Version})
			}
		}
		reader.Close()
	}
	return out, nil
}

// chunkMetadataFor consults the metadata cache before falling back to the
// file's index tree (spec §4.3): a miss populates the cache; when the
// cache is disabled the bloom filter is still consulted as a cheap
// negative-membership check before paying for an index descent.
func (sg *StorageGroup) chunkMetadataFor(path, device, measurement string) ([]tsfile.ChunkMetadata, error) {
	key := cache.Key{FilePath: path, Device: device, Measurement: measurement}
	if chunks, ok := sg.cache.Get(key); ok {
		return chunks, nil
	}

	reader, err := tsfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if !sg.cache.Enabled() {
		flt, err := reader.ReadBloomFilter()
		if err == nil && !flt.MayContain(device, measurement) {
			return nil, nil
		}
	}

	chunks, err := reader.GetChunkMetadataList(device, measurement)
	if err != nil {
		return nil, err
	}
	sg.cache.Put(key, chunks)
	return chunks, nil
}

func (sg *StorageGroup) deletionsFor(path string) []modfile.Deletion {
	sg.mu.Lock()
	mf, ok := sg.modFiles[path]
	if !ok {
		var err error
		mf, err = modfile.Open(path)
		if err != nil {
			sg.mu.Unlock()
			return nil
		}
		sg.modFiles[path] = mf
	}
	sg.mu.Unlock()
	return mf.Deletions()
}

// Delete records a tombstone covering device/measurement up to
// upperBound, broadcasting it to every open .mods log whose file could
// hold matching data, including unsealed files still accepting writes
// (spec §4.5 delete, §8 "unseq unsealed delete").
func (sg *StorageGroup) Delete(device, measurement string, upperBound int64) error {
	sg.mu.RLock()
	resources := sg.allResourcesLocked()
	sg.mu.RUnlock()

	fileVersion := sg.vc.Current()
	for _, res := range resources {
		if !res.ContainsDevice(device) {
			continue
		}
		start, _, ok := res.TimeRange(device)
		if !ok || start > upperBound {
			continue
		}
		sg.mu.Lock()
		mf, ok := sg.modFiles[res.Path]
		if !ok {
			var err error
			mf, err = modfile.Open(res.Path)
			if err != nil {
				sg.mu.Unlock()
				return fmt.Errorf("storagegroup: open mods file for %s: %w", res.Path, err)
			}
			sg.modFiles[res.Path] = mf
		}
		sg.mu.Unlock()

		d := modfile.Deletion{Device: device, Measurement: measurement, UpperBound: upperBound, FileVersion: fileVersion}
		if err := mf.Append(d); err != nil {
			return fmt.Errorf("storagegroup: append deletion: %w", err)
		}
		sg.cache.Remove(res.Path)
	}
	return nil
}

// allResourcesLocked collects every live processor's FileResource across
// every partition, plus every sealed file's resource. Caller must hold
// sg.mu (read or write).
func (sg *StorageGroup) allResourcesLocked() []*resource.FileResource {
	out := make([]*resource.FileResource, 0, len(sg.sealedResources))
	out = append(out, sg.sealedResources...)
	for _, p := range sg.partitions {
		p.mu.RLock()
		for _, s := range p.seq {
			out = append(out, s.Resource())
		}
		for _, u := range p.unseq {
			out = append(out, u.Resource())
		}
		p.mu.RUnlock()
	}
	return out
}

// Close flushes and seals every open processor (spec §4.4 shutdown path),
// waiting for any background merge triggered by maybeMerge to finish
// first so a merge never outlives the storage group that started it.
func (sg *StorageGroup) Close() error {
	sg.mergeWG.Wait()

	sg.mu.RLock()
	partitions := make([]*partition, 0, len(sg.partitions))
	for _, p := range sg.partitions {
		partitions = append(partitions, p)
	}
	sg.mu.RUnlock()

	for _, p := range partitions {
		p.mu.RLock()
		procs := make([]*processor.Processor, 0, len(p.unseq)+len(p.seq))
		procs = append(procs, p.seq...)
		procs = append(procs, p.unseq...)
		p.mu.RUnlock()

		for _, proc := range procs {
			if proc.Closed() {
				continue
			}
			if err := proc.SyncClose(); err != nil {
				return err
			}
		}
	}
	for _, mf := range sg.modFiles {
		mf.Close()
	}
	return nil
}

func encodeInsertForWAL(plan record.InsertPlan) []byte {
	return []byte(fmt.Sprintf("insert device=%s ts=%d points=%d", plan.Device, plan.Timestamp, len(plan.Points)))
}

func encodeTabletForWAL(device string, plan record.TabletPlan) []byte {
	return []byte(fmt.Sprintf("insertTablet device=%s rows=%d cols=%d", device, plan.RowCount(), len(plan.Columns)))
}
