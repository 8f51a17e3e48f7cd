package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeProfile(t, `
region: eu-central-1
bucket: fleet-artifacts
cluster: fleet
taskDefinition: fleet-worker:3
subnets:
  - subnet-aa
`)
	profile, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendECS, profile.Backend)
	assert.Equal(t, "worker", profile.ContainerName)
	assert.Equal(t, 4, profile.Shards)
	assert.Equal(t, "duration-balanced", profile.Strategy)
	assert.Equal(t, 30*time.Minute, profile.ShardTimeout.Duration)
	assert.Greater(t, profile.CostPerVCPUHour, 0.0)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeProfile(t, `
region: us-east-1
bucket: b
cluster: c
taskDefinition: td
subnets: [subnet-aa]
shardTimeout: 45m
`)
	profile, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, profile.ShardTimeout.Duration)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeProfile(t, `
region: us-east-1
bucket: b
clutser: typo
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(p *Profile)
		expected string
	}{
		{
			name:   "valid stub profile",
			mutate: func(p *Profile) { p.Backend = BackendStub; p.Bucket = "b" },
		},
		{
			name:     "ecs without cluster",
			mutate:   func(p *Profile) { p.Bucket = "b"; p.Region = "us-east-1" },
			expected: "cluster is required",
		},
		{
			name: "missing bucket",
			mutate: func(p *Profile) {
				p.Backend = BackendStub
			},
			expected: "bucket is required",
		},
		{
			name: "bad shard count",
			mutate: func(p *Profile) {
				p.Backend = BackendStub
				p.Bucket = "b"
				p.Shards = 0
			},
			expected: "shards must be at least 1",
		},
		{
			name: "bad strategy",
			mutate: func(p *Profile) {
				p.Backend = BackendStub
				p.Bucket = "b"
				p.Strategy = "alphabetical"
			},
			expected: "unknown shard strategy",
		},
		{
			name: "non-positive timeout",
			mutate: func(p *Profile) {
				p.Backend = BackendStub
				p.Bucket = "b"
				p.ShardTimeout = Duration{}
			},
			expected: "shardTimeout must be positive",
		},
		{
			name: "unknown backend",
			mutate: func(p *Profile) {
				p.Backend = "lambda"
				p.Bucket = "b"
			},
			expected: "unknown backend",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			profile := Default()
			tc.mutate(profile)
			err := profile.Validate()
			if tc.expected == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.expected)
			}
		})
	}
}
