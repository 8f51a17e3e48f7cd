package testfleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/backend"
	"github.com/testfleet/testfleet/pkg/config"
	"github.com/testfleet/testfleet/pkg/store"
)

// profileFlags locates the run profile and carries the overrides every
// subcommand shares. Flag values only override what the user actually set.
type profileFlags struct {
	ConfigPath  string
	BackendName string
	Bucket      string
	Region      string
	Cluster     string
}

func (f *profileFlags) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", f.ConfigPath, "Path to the YAML run profile.")
	fs.StringVar(&f.BackendName, "backend", f.BackendName, "Compute backend: ecs or stub.")
	fs.StringVar(&f.Bucket, "bucket", f.Bucket, "Durable store bucket, overrides the profile.")
	fs.StringVar(&f.Region, "region", f.Region, "AWS region, overrides the profile.")
	fs.StringVar(&f.Cluster, "cluster", f.Cluster, "Compute cluster, overrides the profile.")
}

func (f *profileFlags) Profile() (*config.Profile, error) {
	profile := config.Default()
	if f.ConfigPath != "" {
		loaded, err := config.Load(f.ConfigPath)
		if err != nil {
			return nil, err
		}
		profile = loaded
	}
	if f.BackendName != "" {
		profile.Backend = f.BackendName
	}
	if f.Bucket != "" {
		profile.Bucket = f.Bucket
	}
	if f.Region != "" {
		profile.Region = f.Region
	}
	if f.Cluster != "" {
		profile.Cluster = f.Cluster
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// runtime holds the collaborators a command needs, built once per
// invocation. The stub backend pairs with an in-memory store so a dry run
// exercises the whole pipeline without any remote infrastructure.
type runtime struct {
	profile *config.Profile
	store   store.Store
	backend backend.Backend
}

func newRuntime(ctx context.Context, profile *config.Profile) (*runtime, error) {
	if profile.Backend == config.BackendStub {
		fakeStore := store.NewFakeStore()
		stub := backend.NewStubBackend()
		stub.OnLaunch = func(spec backend.TaskSpec) {
			result := api.ShardResult{RunID: spec.RunID, ShardID: spec.ShardID}
			if err := fakeStore.PutJSON(ctx, store.ResultKey(spec.RunID, spec.ShardID), result); err != nil {
				logrus.WithError(err).Warn("Failed to write stub shard result")
			}
		}
		return &runtime{profile: profile, store: fakeStore, backend: stub}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(profile.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return &runtime{
		profile: profile,
		store:   store.NewS3Store(s3.NewFromConfig(awsCfg), profile.Bucket, profile.Region),
		backend: backend.NewECSBackend(ecs.NewFromConfig(awsCfg), backend.ECSConfig{
			Cluster:        profile.Cluster,
			TaskDefinition: profile.TaskDefinition,
			ContainerName:  profile.ContainerName,
			Subnets:        profile.Subnets,
			SecurityGroups: profile.SecurityGroups,
			AssignPublicIP: profile.AssignPublicIP,
		}),
	}, nil
}

// loadTestFiles reads the discovery output: a JSON array of test files.
func loadTestFiles(path string) ([]api.TestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test file list %s: %w", path, err)
	}
	var files []api.TestFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("parsing test file list %s: %w", path, err)
	}
	for i, f := range files {
		if f.Path == "" {
			return nil, fmt.Errorf("test file list %s: entry %d has no path", path, i)
		}
	}
	return files, nil
}

// printJSON writes machine-readable command output to stdout.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
