package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeECSClient struct {
	runInputs  []*ecs.RunTaskInput
	runErr     error
	tasks      map[string]ecstypes.Task
	stopInputs []*ecs.StopTaskInput
	stopErr    error
}

func newFakeECSClient() *fakeECSClient {
	return &fakeECSClient{tasks: map[string]ecstypes.Task{}}
}

func (f *fakeECSClient) RunTask(_ context.Context, params *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runInputs = append(f.runInputs, params)
	arn := fmt.Sprintf("arn:aws:ecs:us-east-1:0:task/test/%d", len(f.runInputs))
	task := ecstypes.Task{TaskArn: aws.String(arn), LastStatus: aws.String("PROVISIONING")}
	f.tasks[arn] = task
	return &ecs.RunTaskOutput{Tasks: []ecstypes.Task{task}}, nil
}

func (f *fakeECSClient) DescribeTasks(_ context.Context, params *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	out := &ecs.DescribeTasksOutput{}
	for _, arn := range params.Tasks {
		if task, ok := f.tasks[arn]; ok {
			out.Tasks = append(out.Tasks, task)
		} else {
			out.Failures = append(out.Failures, ecstypes.Failure{Arn: aws.String(arn), Reason: aws.String("MISSING")})
		}
	}
	return out, nil
}

func (f *fakeECSClient) StopTask(_ context.Context, params *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stopInputs = append(f.stopInputs, params)
	return &ecs.StopTaskOutput{}, nil
}

func testECSConfig() ECSConfig {
	return ECSConfig{
		Cluster:        "fleet-cluster",
		TaskDefinition: "fleet-worker:7",
		ContainerName:  "worker",
		Subnets:        []string{"subnet-1"},
		SecurityGroups: []string{"sg-1"},
	}
}

func TestECSLaunchPassesWorkerContract(t *testing.T) {
	client := newFakeECSClient()
	b := newECSBackend(client, testECSConfig())

	handle, err := b.Launch(context.Background(), TaskSpec{
		RunID:      "run-1-ab",
		ShardID:    2,
		ShardCount: 4,
		Bucket:     "fleet-bucket",
		Region:     "us-east-1",
		Framework:  "cypress",
		CPU:        2048,
		MemoryMiB:  4096,
		Timeout:    10 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, handle.ShardID)
	assert.NotEmpty(t, handle.ID)

	require.Len(t, client.runInputs, 1)
	input := client.runInputs[0]
	assert.Equal(t, "fleet-cluster", aws.ToString(input.Cluster))
	assert.Equal(t, "fleet-worker:7", aws.ToString(input.TaskDefinition))

	env := map[string]string{}
	require.Len(t, input.Overrides.ContainerOverrides, 1)
	for _, pair := range input.Overrides.ContainerOverrides[0].Environment {
		env[aws.ToString(pair.Name)] = aws.ToString(pair.Value)
	}
	assert.Equal(t, "run-1-ab", env[EnvRunID])
	assert.Equal(t, "2", env[EnvShardID])
	assert.Equal(t, "4", env[EnvShardCount])
	assert.Equal(t, "fleet-bucket", env[EnvBucket])
	assert.Equal(t, "cypress", env[EnvFramework])
	assert.Equal(t, "600", env[EnvTimeoutSeconds])

	tags := map[string]string{}
	for _, tag := range input.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	assert.Equal(t, "run-1-ab", tags[tagRunID])
	assert.Equal(t, "2", tags[tagShardID])
}

func TestECSLaunchSurfacesFailures(t *testing.T) {
	client := newFakeECSClient()
	client.runErr = errors.New("throttled")
	b := newECSBackend(client, testECSConfig())

	_, err := b.Launch(context.Background(), TaskSpec{RunID: "run-1-ab", ShardID: 0})
	assert.Error(t, err)
}

func TestECSDescribeMapsStates(t *testing.T) {
	client := newFakeECSClient()
	b := newECSBackend(client, testECSConfig())

	exit := func(code int32) []ecstypes.Container {
		return []ecstypes.Container{{ExitCode: aws.Int32(code)}}
	}
	client.tasks["arn:a"] = ecstypes.Task{TaskArn: aws.String("arn:a"), LastStatus: aws.String("PENDING")}
	client.tasks["arn:b"] = ecstypes.Task{TaskArn: aws.String("arn:b"), LastStatus: aws.String("RUNNING")}
	client.tasks["arn:c"] = ecstypes.Task{TaskArn: aws.String("arn:c"), LastStatus: aws.String("DEPROVISIONING")}
	client.tasks["arn:d"] = ecstypes.Task{TaskArn: aws.String("arn:d"), LastStatus: aws.String("STOPPED"), Containers: exit(0)}
	client.tasks["arn:e"] = ecstypes.Task{TaskArn: aws.String("arn:e"), LastStatus: aws.String("STOPPED"), Containers: exit(1)}

	handles := []TaskHandle{
		{ID: "arn:a", ShardID: 0},
		{ID: "arn:b", ShardID: 1},
		{ID: "arn:c", ShardID: 2},
		{ID: "arn:d", ShardID: 3},
		{ID: "arn:e", ShardID: 4},
		{ID: "arn:gone", ShardID: 5},
	}
	statuses, err := b.Describe(context.Background(), handles)
	require.NoError(t, err)
	require.Len(t, statuses, 6)

	byShard := map[int]TaskStatus{}
	for _, s := range statuses {
		byShard[s.Handle.ShardID] = s
	}
	assert.Equal(t, TaskPending, byShard[0].State)
	assert.Equal(t, TaskRunning, byShard[1].State)
	assert.Equal(t, TaskRunning, byShard[2].State, "a draining task is still live")
	assert.Equal(t, TaskStopped, byShard[3].State)
	assert.True(t, byShard[3].Succeeded())
	assert.Equal(t, TaskStopped, byShard[4].State)
	assert.False(t, byShard[4].Succeeded())
	assert.Equal(t, TaskUnknown, byShard[5].State)
}

func TestECSStopTreatsMissingTaskAsStopped(t *testing.T) {
	client := newFakeECSClient()
	b := newECSBackend(client, testECSConfig())

	require.NoError(t, b.Stop(context.Background(), TaskHandle{ID: "arn:x"}, "cancelled"))
	require.Len(t, client.stopInputs, 1)
	assert.Equal(t, "cancelled", aws.ToString(client.stopInputs[0].Reason))

	client.stopErr = errors.New("InvalidParameterException: The referenced task was not found")
	assert.NoError(t, b.Stop(context.Background(), TaskHandle{ID: "arn:y"}, "cancelled"))

	client.stopErr = errors.New("server error")
	assert.Error(t, b.Stop(context.Background(), TaskHandle{ID: "arn:z"}, "cancelled"))
}
