// Package config loads the run profile: where shards execute, how big the
// workers are and how the suite is split. The profile is YAML on disk;
// command-line flags override individual fields.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/testfleet/testfleet/pkg/shardplan"
)

// Duration wraps time.Duration so profiles can say "30m" instead of
// nanosecond integers.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	case float64:
		d.Duration = time.Duration(value)
		return nil
	default:
		return fmt.Errorf("duration must be a string like %q, got %T", "30m", raw)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Backend names selectable in a profile.
const (
	BackendECS  = "ecs"
	BackendStub = "stub"
)

// Profile is the run configuration.
type Profile struct {
	// Backend selects the compute implementation: "ecs" (default) or
	// "stub" for dry runs with no remote infrastructure.
	Backend string `json:"backend,omitempty"`

	Region string `json:"region"`
	Bucket string `json:"bucket"`

	Cluster        string   `json:"cluster,omitempty"`
	TaskDefinition string   `json:"taskDefinition,omitempty"`
	ContainerName  string   `json:"containerName,omitempty"`
	Subnets        []string `json:"subnets,omitempty"`
	SecurityGroups []string `json:"securityGroups,omitempty"`
	AssignPublicIP bool     `json:"assignPublicIp,omitempty"`

	Framework string `json:"framework"`

	// CPU is in backend cpu units (1024 = one vCPU), MemoryMiB in MiB.
	CPU       int `json:"cpu,omitempty"`
	MemoryMiB int `json:"memoryMiB,omitempty"`

	Shards   int    `json:"shards,omitempty"`
	Strategy string `json:"strategy,omitempty"`

	// ShardTimeout bounds one worker's execution. The run-level deadline
	// is derived from it by the orchestrator.
	ShardTimeout Duration `json:"shardTimeout,omitempty"`

	// Unit prices for the cost estimate.
	CostPerVCPUHour     float64 `json:"costPerVCpuHour,omitempty"`
	CostPerMemoryGBHour float64 `json:"costPerMemoryGbHour,omitempty"`
}

// Fargate on-demand list prices, us-east-1, used when a profile does not
// override them. The estimate is informational either way.
const (
	defaultCostPerVCPUHour     = 0.04048
	defaultCostPerMemoryGBHour = 0.004445
)

func defaultProfile() *Profile {
	return &Profile{
		Backend:             BackendECS,
		ContainerName:       "worker",
		Framework:           "playwright",
		CPU:                 1024,
		MemoryMiB:           2048,
		Shards:              4,
		Strategy:            string(shardplan.StrategyDurationBalanced),
		ShardTimeout:        Duration{30 * time.Minute},
		CostPerVCPUHour:     defaultCostPerVCPUHour,
		CostPerMemoryGBHour: defaultCostPerMemoryGBHour,
	}
}

// Load reads and validates a profile, applying defaults for absent fields.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	profile := defaultProfile()
	if err := yaml.UnmarshalStrict(data, profile); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return profile, nil
}

// Default returns the built-in profile, for flag-only invocations.
func Default() *Profile {
	return defaultProfile()
}

// Validate checks everything that can be checked before any remote call.
func (p *Profile) Validate() error {
	switch p.Backend {
	case BackendECS:
		if p.Cluster == "" {
			return fmt.Errorf("cluster is required for the %s backend", BackendECS)
		}
		if p.TaskDefinition == "" {
			return fmt.Errorf("taskDefinition is required for the %s backend", BackendECS)
		}
		if len(p.Subnets) == 0 {
			return fmt.Errorf("at least one subnet is required for the %s backend", BackendECS)
		}
	case BackendStub:
	default:
		return fmt.Errorf("unknown backend %q", p.Backend)
	}
	if p.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if p.Region == "" && p.Backend == BackendECS {
		return fmt.Errorf("region is required for the %s backend", BackendECS)
	}
	if p.Shards < 1 {
		return fmt.Errorf("shards must be at least 1, got %d", p.Shards)
	}
	if _, err := shardplan.ParseStrategy(p.Strategy); err != nil {
		return err
	}
	if p.ShardTimeout.Duration <= 0 {
		return fmt.Errorf("shardTimeout must be positive, got %s", p.ShardTimeout)
	}
	if p.CPU <= 0 || p.MemoryMiB <= 0 {
		return fmt.Errorf("cpu and memoryMiB must be positive")
	}
	return nil
}
