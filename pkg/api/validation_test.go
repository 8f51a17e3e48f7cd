package api

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *RunManifest {
	return &RunManifest{
		RunID:     "run-1700000000000-aabbccdd",
		Framework: "playwright",
		CreatedAt: time.Now(),
		Shards: []Shard{
			{ID: 0, Files: []TestFile{{Path: "a.spec.ts"}}},
			{ID: 1, Files: []TestFile{{Path: "b.spec.ts"}, {Path: "c.spec.ts"}}},
		},
	}
}

func TestRunManifestValidate(t *testing.T) {
	require.NoError(t, validManifest().Validate())

	testCases := []struct {
		name   string
		mutate func(m *RunManifest)
	}{
		{"missing run id", func(m *RunManifest) { m.RunID = "" }},
		{"malformed run id", func(m *RunManifest) { m.RunID = "job-17" }},
		{"no shards", func(m *RunManifest) { m.Shards = nil }},
		{"non-contiguous ids", func(m *RunManifest) { m.Shards[1].ID = 5 }},
		{"empty shard", func(m *RunManifest) { m.Shards[0].Files = nil }},
		{"file without path", func(m *RunManifest) { m.Shards[0].Files[0].Path = "" }},
		{"duplicated file", func(m *RunManifest) { m.Shards[0].Files[0].Path = "b.spec.ts" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			var validation *ValidationError
			assert.True(t, errors.As(err, &validation), "expected a ValidationError, got %T", err)
		})
	}
}

func TestTaskManifestRefs(t *testing.T) {
	withRefs := &TaskManifest{
		TaskARNs: []string{"arn:a", "arn:b"},
		Tasks:    []TaskRef{{TaskARN: "arn:b", ShardID: 1}, {TaskARN: "arn:a", ShardID: 0}},
	}
	assert.Equal(t, withRefs.Tasks, withRefs.Refs())

	// older writers persisted only the flat arn list
	flat := &TaskManifest{TaskARNs: []string{"arn:a", "arn:b"}}
	refs := flat.Refs()
	require.Len(t, refs, 2)
	assert.Equal(t, TaskRef{TaskARN: "arn:a", ShardID: 0}, refs[0])
	assert.Equal(t, TaskRef{TaskARN: "arn:b", ShardID: 1}, refs[1])

	assert.Error(t, (&TaskManifest{}).Validate())
	assert.NoError(t, flat.Validate())
}

func TestShardResultValidate(t *testing.T) {
	valid := &ShardResult{RunID: "run-1-aa", ShardID: 1, Passed: 3, Failed: 1, TestCases: []TestCase{
		{Name: "loads the dashboard", Status: TestCasePassed},
		{Name: "logs in", Status: TestCaseFailed, Failure: "timeout"},
	}}
	require.NoError(t, valid.Validate(2))

	assert.Error(t, (&ShardResult{ShardID: -1}).Validate(2))
	assert.Error(t, (&ShardResult{ShardID: 2}).Validate(2), "shard id out of manifest range")
	assert.NoError(t, (&ShardResult{ShardID: 2}).Validate(-1), "range check skipped without a manifest")
	assert.Error(t, (&ShardResult{ShardID: 0, Passed: -1}).Validate(2))
	assert.Error(t, (&ShardResult{ShardID: 0, TestCases: []TestCase{{Name: "x", Status: "exploded"}}}).Validate(2))
}

func TestNewRunID(t *testing.T) {
	pattern := regexp.MustCompile(`^run-\d{13}-[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		assert.Regexp(t, pattern, id)
		assert.True(t, ValidRunID(id))
		assert.False(t, seen[id], "run ids must not collide")
		seen[id] = true
	}
	assert.False(t, ValidRunID("run-"))
	assert.False(t, ValidRunID("job-123"))
}
