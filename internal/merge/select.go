package merge

import (
	"sort"

	"tsengine/internal/config"
	"tsengine/internal/resource"
)

// Overhead factors turn an on-disk file size into an estimated in-merge
// memory cost. loose is the cheap first guess; tight is retried only when
// nothing fits under loose, standing in for the "actual per-chunk buffer
// sizes" the spec's selection step would otherwise have to walk the index
// tree to compute (see DESIGN.md: this trades selection precision for not
// needing a second descent of every candidate's metadata just to budget
// it).
const (
	looseOverheadFactor = 4
	tightOverheadFactor = 2
)

// SelectionContext bundles everything a file selector needs to decide
// which files join one merge task (spec §4.6 selection).
type SelectionContext struct {
	SeqCandidates   []*resource.FileResource
	UnseqCandidates []*resource.FileResource
	Budget          int64
	TimeLowerBound  int64
	ForceFullMerge  bool
}

// IMergeFileSelector picks the (seq, unseq) subset one merge task will
// consume. Returned seq/unseq are both empty when no candidate fits even
// the tight budget.
type IMergeFileSelector interface {
	Select(ctx SelectionContext) (seq, unseq []*resource.FileResource, err error)
}

func stillLives(res *resource.FileResource, lowerBound int64) bool {
	for _, d := range res.Devices() {
		if res.StillLives(d, lowerBound) {
			return true
		}
	}
	return false
}

// filterLive drops files whose data is entirely older than TimeLowerBound,
// unless ForceFullMerge asks for every eligible file regardless of age.
func filterLive(candidates []*resource.FileResource, ctx SelectionContext) []*resource.FileResource {
	if ctx.ForceFullMerge {
		out := make([]*resource.FileResource, len(candidates))
		copy(out, candidates)
		return out
	}
	var out []*resource.FileResource
	for _, c := range candidates {
		if stillLives(c, ctx.TimeLowerBound) {
			out = append(out, c)
		}
	}
	return out
}

func estimate(res *resource.FileResource, tight bool) (int64, error) {
	sz, err := res.GetFileSize()
	if err != nil {
		return 0, err
	}
	if tight {
		return sz * tightOverheadFactor, nil
	}
	return sz * looseOverheadFactor, nil
}

// greedyPick accumulates candidates, in the order given, until the next
// one would exceed budget. While nothing has been picked yet, a candidate
// that alone exceeds budget is skipped, so a smaller file further down the
// list still gets a chance; once something is picked, the first candidate
// that does not fit ends the scan.
func greedyPick(candidates []*resource.FileResource, budget int64, tight bool) ([]*resource.FileResource, error) {
	var picked []*resource.FileResource
	var used int64
	for _, c := range candidates {
		cost, err := estimate(c, tight)
		if err != nil {
			return nil, err
		}
		if used+cost > budget {
			if len(picked) == 0 {
				continue
			}
			break
		}
		used += cost
		picked = append(picked, c)
	}
	return picked, nil
}

func bySize(files []*resource.FileResource, ascending bool) {
	sort.Slice(files, func(i, j int) bool {
		szi, _ := files[i].GetFileSize()
		szj, _ := files[j].GetFileSize()
		if ascending {
			return szi < szj
		}
		return szi > szj
	})
}

// pickWithRetry runs greedyPick with the loose budget first, retrying with
// the tight budget only if nothing fit (spec §4.6's loose/tight
// feasibility-retry protocol).
func pickWithRetry(candidates []*resource.FileResource, budget int64) ([]*resource.FileResource, error) {
	picked, err := greedyPick(candidates, budget, false)
	if err != nil {
		return nil, err
	}
	if len(picked) > 0 {
		return picked, nil
	}
	return greedyPick(candidates, budget, true)
}

// InplaceMaxFileSelector folds the unsequence backlog into the existing
// sequence files, maximizing how many unsequence files one merge clears by
// trying the smallest ones first; every live sequence file in the
// partition is kept as a target (spec §4.6 INPLACE).
type InplaceMaxFileSelector struct{}

func (InplaceMaxFileSelector) Select(ctx SelectionContext) (seq, unseq []*resource.FileResource, err error) {
	live := filterLive(ctx.UnseqCandidates, ctx)
	bySize(live, true)
	unseq, err = pickWithRetry(live, ctx.Budget)
	if err != nil {
		return nil, nil, err
	}
	if len(unseq) == 0 {
		return nil, nil, nil
	}
	return filterLive(ctx.SeqCandidates, ctx), unseq, nil
}

// SqueezeMaxFileSelector folds both sequence and unsequence candidates
// into one brand-new target, maximizing total files folded within budget
// (spec §4.6 SQUEEZE).
type SqueezeMaxFileSelector struct{}

func (SqueezeMaxFileSelector) Select(ctx SelectionContext) (seq, unseq []*resource.FileResource, err error) {
	liveSeq := filterLive(ctx.SeqCandidates, ctx)
	liveUnseq := filterLive(ctx.UnseqCandidates, ctx)

	all := append(append([]*resource.FileResource{}, liveSeq...), liveUnseq...)
	bySize(all, true)

	picked, err := pickWithRetry(all, ctx.Budget)
	if err != nil {
		return nil, nil, err
	}
	if len(picked) == 0 {
		return nil, nil, nil
	}

	seqSet := make(map[*resource.FileResource]bool, len(liveSeq))
	for _, s := range liveSeq {
		seqSet[s] = true
	}
	for _, p := range picked {
		if seqSet[p] {
			seq = append(seq, p)
		} else {
			unseq = append(unseq, p)
		}
	}
	return seq, unseq, nil
}

// IndependenceMaxFileSelector orders unsequence candidates largest-first,
// trading file count per merge for clearing the most write-amplifying
// backlog first (spec §4.6: "selectors differ in what they maximize").
// Not wired to MergeStrategy by default — see DESIGN.md — but available
// as an alternate IMergeFileSelector for callers that construct a Task
// directly.
type IndependenceMaxFileSelector struct{}

func (IndependenceMaxFileSelector) Select(ctx SelectionContext) (seq, unseq []*resource.FileResource, err error) {
	live := filterLive(ctx.UnseqCandidates, ctx)
	bySize(live, false)
	unseq, err = pickWithRetry(live, ctx.Budget)
	if err != nil {
		return nil, nil, err
	}
	if len(unseq) == 0 {
		return nil, nil, nil
	}
	return filterLive(ctx.SeqCandidates, ctx), unseq, nil
}

// SelectorFor returns the file selector paired with a merge strategy.
func SelectorFor(strategy config.MergeStrategy) IMergeFileSelector {
	if strategy == config.StrategySqueeze {
		return SqueezeMaxFileSelector{}
	}
	return InplaceMaxFileSelector{}
}
