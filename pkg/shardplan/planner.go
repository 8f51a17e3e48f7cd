// Package shardplan partitions discovered test files into balanced shards.
// Planning is pure: it never touches the store or the backend, which keeps
// every assignment property unit-testable.
package shardplan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/testfleet/testfleet/pkg/api"
)

// Strategy selects how files are assigned to shards.
type Strategy string

const (
	// StrategyRoundRobin assigns file i to shard i mod K, ignoring size
	// and duration. Deterministic and cheap.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategySizeBalanced greedily assigns the largest remaining file to
	// the lightest shard (LPT heuristic keyed on file size).
	StrategySizeBalanced Strategy = "size-balanced"
	// StrategyDurationBalanced is the same heuristic keyed on historical
	// duration. Without any duration estimates it degenerates to
	// size-balanced.
	StrategyDurationBalanced Strategy = "duration-balanced"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyRoundRobin, StrategySizeBalanced, StrategyDurationBalanced:
		return Strategy(name), nil
	}
	return "", fmt.Errorf("unknown shard strategy %q", name)
}

var (
	// ErrInvalidShardCount is returned for a requested shard count below 1.
	ErrInvalidShardCount = errors.New("shard count must be at least 1")
	// ErrNoTestFiles is returned for an empty file list.
	ErrNoTestFiles = errors.New("no test files to shard")
)

// Plan partitions files into min(count, len(files)) shards with contiguous
// ids starting at 0. Every input file lands in exactly one shard and no
// shard is empty.
func Plan(files []api.TestFile, count int, strategy Strategy) ([]api.Shard, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidShardCount, count)
	}
	if len(files) == 0 {
		return nil, ErrNoTestFiles
	}
	if count > len(files) {
		count = len(files)
	}

	shards := make([]api.Shard, count)
	for i := range shards {
		shards[i].ID = i
	}

	switch strategy {
	case StrategyRoundRobin:
		for i, f := range files {
			assign(&shards[i%count], f)
		}
	case StrategySizeBalanced:
		planBalanced(shards, files, func(f api.TestFile) int64 { return f.SizeBytes })
	case StrategyDurationBalanced:
		key := func(f api.TestFile) int64 { return f.AvgDurationMillis }
		if !anyDuration(files) {
			key = func(f api.TestFile) int64 { return f.SizeBytes }
		}
		planBalanced(shards, files, key)
	default:
		return nil, fmt.Errorf("unknown shard strategy %q", strategy)
	}
	return shards, nil
}

// planBalanced implements the LPT heuristic: files sorted by key descending,
// each assigned to the shard with the smallest accumulated key, ties broken
// by lowest shard id. Shards additionally cap out at ceil(n/k) files so a
// single worker never takes a disproportionate share of the suite by count.
func planBalanced(shards []api.Shard, files []api.TestFile, key func(api.TestFile) int64) {
	ordered := append([]api.TestFile(nil), files...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return key(ordered[i]) > key(ordered[j])
	})

	capacity := (len(files) + len(shards) - 1) / len(shards)
	weights := make([]int64, len(shards))
	for _, f := range ordered {
		target := -1
		for i := range shards {
			if len(shards[i].Files) >= capacity {
				continue
			}
			if target < 0 || weights[i] < weights[target] {
				target = i
			}
		}
		assign(&shards[target], f)
		weights[target] += key(f)
	}
}

func assign(shard *api.Shard, f api.TestFile) {
	shard.Files = append(shard.Files, f)
	shard.TotalSizeBytes += f.SizeBytes
	shard.EstimatedDurationMillis += f.AvgDurationMillis
}

func anyDuration(files []api.TestFile) bool {
	for _, f := range files {
		if f.AvgDurationMillis > 0 {
			return true
		}
	}
	return false
}

// BalanceScore is a diagnostic evenness metric in [0,1]: the ratio of the
// smallest to the largest per-shard estimated duration, or per-shard file
// count when no file carried a duration estimate. 1.0 means perfectly even.
func BalanceScore(shards []api.Shard) float64 {
	if len(shards) == 0 {
		return 0
	}
	weight := func(s api.Shard) int64 { return s.EstimatedDurationMillis }
	hasDurations := false
	for _, s := range shards {
		if s.EstimatedDurationMillis > 0 {
			hasDurations = true
			break
		}
	}
	if !hasDurations {
		weight = func(s api.Shard) int64 { return int64(len(s.Files)) }
	}

	min, max := weight(shards[0]), weight(shards[0])
	for _, s := range shards[1:] {
		w := weight(s)
		if w < min {
			min = w
		}
		if w > max {
			max = w
		}
	}
	if max == 0 {
		return 1.0
	}
	return float64(min) / float64(max)
}
