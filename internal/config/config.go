// Package config declares the storage-group engine's tunables: the
// declarative knobs that shape flush, merge, and cache behavior (spec
// §6), following the teacher's config package's "describe what should
// exist, load once at startup" shape — generalized here to a flat set of
// engine parameters rather than a receiver/store/route topology, since
// this engine has one kind of component to configure.
package config

import (
	"fmt"
	"time"
)

// MergeStrategy selects how the merge engine rewrites source files into a
// target (spec §3, §9).
type MergeStrategy string

const (
	// StrategyInplace merges the selected unsequence files with the live
	// sequence files into a fresh output file, renames that output over one
	// sequence source's path and removes the other sources. The existing
	// sequence file is not appended to or truncated in place.
	StrategyInplace MergeStrategy = "inplace"
	// StrategySqueeze rewrites both sequence and unsequence sources into a
	// brand-new target file.
	StrategySqueeze MergeStrategy = "squeeze"
)

// Config holds every tunable the storage-group engine recognizes (spec
// §6). Zero value is not valid; use Default and override.
type Config struct {
	// PartitionInterval is the width of a time partition in nanoseconds;
	// devices are routed to sequence/unsequence files within the
	// partition their timestamp falls into.
	PartitionInterval int64

	// MemtableSizeThreshold is the estimated byte size at which an active
	// memtable triggers an async flush.
	MemtableSizeThreshold int64

	// UnseqFilesPerPartitionMax is how many unsequence files a single
	// partition may accumulate before a merge is triggered.
	UnseqFilesPerPartitionMax int

	// MetadataCacheSize is the byte budget for the metadata cache; <= 0
	// disables the cache.
	MetadataCacheSize int64

	// MergeStrategy selects INPLACE or SQUEEZE merge execution.
	MergeStrategy MergeStrategy

	// MergeMemoryBudget bounds how much unsequence data one merge task
	// may hold in memory at once, driving the merge file selector's
	// loose/tight budget retry.
	MergeMemoryBudget int64

	// TimeLowerBound excludes data older than this timestamp from a
	// partial (non-full) merge's candidate selection.
	TimeLowerBound int64

	// ForceFullMerge, when true, ignores TimeLowerBound and merges every
	// eligible file regardless of age.
	ForceFullMerge bool

	// MaxDegreeOfIndexNode bounds how many entries one metadata-index
	// node holds before the tree grows another level.
	MaxDegreeOfIndexNode int

	// BloomFilterErrorRate is the target false-positive rate for each
	// sealed file's bloom filter.
	BloomFilterErrorRate float64
}

// Default returns the engine's built-in defaults, chosen for a
// moderate-throughput single-node deployment.
func Default() Config {
	return Config{
		PartitionInterval:         int64(7 * 24 * time.Hour),
		MemtableSizeThreshold:     64 << 20,
		UnseqFilesPerPartitionMax: 10,
		MetadataCacheSize:         128 << 20,
		MergeStrategy:             StrategyInplace,
		MergeMemoryBudget:         256 << 20,
		TimeLowerBound:            0,
		ForceFullMerge:            false,
		MaxDegreeOfIndexNode:      256,
		BloomFilterErrorRate:      0.01,
	}
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.PartitionInterval <= 0 {
		return fmt.Errorf("config: partitionInterval must be positive, got %d", c.PartitionInterval)
	}
	if c.MemtableSizeThreshold <= 0 {
		return fmt.Errorf("config: memtableSizeThreshold must be positive, got %d", c.MemtableSizeThreshold)
	}
	if c.UnseqFilesPerPartitionMax <= 0 {
		return fmt.Errorf("config: unseqFilesPerPartitionMax must be positive, got %d", c.UnseqFilesPerPartitionMax)
	}
	switch c.MergeStrategy {
	case StrategyInplace, StrategySqueeze:
	default:
		return fmt.Errorf("config: unknown mergeStrategy %q", c.MergeStrategy)
	}
	if c.MergeMemoryBudget <= 0 {
		return fmt.Errorf("config: mergeMemoryBudget must be positive, got %d", c.MergeMemoryBudget)
	}
	if c.MaxDegreeOfIndexNode <= 1 {
		return fmt.Errorf("config: maxDegreeOfIndexNode must be > 1, got %d", c.MaxDegreeOfIndexNode)
	}
	if c.BloomFilterErrorRate <= 0 || c.BloomFilterErrorRate >= 1 {
		return fmt.Errorf("config: bloomFilterErrorRate must be in (0,1), got %f", c.BloomFilterErrorRate)
	}
	return nil
}

// Load applies overrides on top of Default and validates the result. Every
// zero-valued field in overrides is left at its default (callers that
// need an explicit zero should set it via the returned Config directly
// after Load).
func Load(overrides Config) (Config, error) {
	c := Default()
	if overrides.PartitionInterval != 0 {
		c.PartitionInterval = overrides.PartitionInterval
	}
	if overrides.MemtableSizeThreshold != 0 {
		c.MemtableSizeThreshold = overrides.MemtableSizeThreshold
	}
	if overrides.UnseqFilesPerPartitionMax != 0 {
		c.UnseqFilesPerPartitionMax = overrides.UnseqFilesPerPartitionMax
	}
	if overrides.MetadataCacheSize != 0 {
		c.MetadataCacheSize = overrides.MetadataCacheSize
	}
	if overrides.MergeStrategy != "" {
		c.MergeStrategy = overrides.MergeStrategy
	}
	if overrides.MergeMemoryBudget != 0 {
		c.MergeMemoryBudget = overrides.MergeMemoryBudget
	}
	if overrides.TimeLowerBound != 0 {
		c.TimeLowerBound = overrides.TimeLowerBound
	}
	c.ForceFullMerge = overrides.ForceFullMerge
	if overrides.MaxDegreeOfIndexNode != 0 {
		c.MaxDegreeOfIndexNode = overrides.MaxDegreeOfIndexNode
	}
	if overrides.BloomFilterErrorRate != 0 {
		c.BloomFilterErrorRate = overrides.BloomFilterErrorRate
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
