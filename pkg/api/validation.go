package api

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ValidationError marks a persisted payload that failed schema validation on
// read. Malformed manifests and results are rejected instead of being
// silently carried through aggregation.
type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(kind, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Validate checks the structural invariants of a run manifest read back from
// the store: a contiguous 0..K-1 shard id range and every file in exactly
// one shard.
func (m *RunManifest) Validate() error {
	if m.RunID == "" {
		return invalid("run manifest", "missing runId")
	}
	if !ValidRunID(m.RunID) {
		return invalid("run manifest", "malformed runId %q", m.RunID)
	}
	if len(m.Shards) == 0 {
		return invalid("run manifest", "no shards")
	}
	seenIDs := sets.New[int]()
	seenFiles := sets.New[string]()
	for i := range m.Shards {
		shard := &m.Shards[i]
		if shard.ID != i {
			return invalid("run manifest", "shard ids are not contiguous: index %d holds id %d", i, shard.ID)
		}
		if seenIDs.Has(shard.ID) {
			return invalid("run manifest", "duplicate shard id %d", shard.ID)
		}
		seenIDs.Insert(shard.ID)
		if len(shard.Files) == 0 {
			return invalid("run manifest", "shard %d is empty", shard.ID)
		}
		for _, f := range shard.Files {
			if f.Path == "" {
				return invalid("run manifest", "shard %d contains a file without a path", shard.ID)
			}
			if seenFiles.Has(f.Path) {
				return invalid("run manifest", "file %s appears in more than one shard", f.Path)
			}
			seenFiles.Insert(f.Path)
		}
	}
	return nil
}

// Validate checks a task manifest read back from the store.
func (m *TaskManifest) Validate() error {
	if len(m.TaskARNs) == 0 && len(m.Tasks) == 0 {
		return invalid("task manifest", "no tasks recorded")
	}
	for _, ref := range m.Tasks {
		if ref.TaskARN == "" {
			return invalid("task manifest", "task ref for shard %d has no arn", ref.ShardID)
		}
		if ref.ShardID < 0 {
			return invalid("task manifest", "negative shard id %d", ref.ShardID)
		}
	}
	return nil
}

// Refs returns the per-shard task references, synthesizing them from the
// flat arn list when an older writer persisted only taskArns. The flat list
// carries no shard mapping, so synthesized refs use the list position.
func (m *TaskManifest) Refs() []TaskRef {
	if len(m.Tasks) > 0 {
		return m.Tasks
	}
	refs := make([]TaskRef, 0, len(m.TaskARNs))
	for i, arn := range m.TaskARNs {
		refs = append(refs, TaskRef{TaskARN: arn, ShardID: i})
	}
	return refs
}

// Validate checks a shard result read back from the store. expectShards is
// the shard count from the run manifest; pass a negative value to skip the
// range check.
func (r *ShardResult) Validate(expectShards int) error {
	if r.ShardID < 0 {
		return invalid("shard result", "negative shard id %d", r.ShardID)
	}
	if expectShards >= 0 && r.ShardID >= expectShards {
		return invalid("shard result", "shard id %d out of range, run has %d shards", r.ShardID, expectShards)
	}
	if r.Passed < 0 || r.Failed < 0 || r.Skipped < 0 {
		return invalid("shard result", "negative test counts in shard %d", r.ShardID)
	}
	for _, tc := range r.TestCases {
		switch tc.Status {
		case TestCasePassed, TestCaseFailed, TestCaseSkipped:
		default:
			return invalid("shard result", "test case %q has unknown status %q", tc.Name, tc.Status)
		}
	}
	return nil
}
