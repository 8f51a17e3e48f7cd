package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/sirupsen/logrus"
)

// Environment variables the worker container reads its assignment from.
const (
	EnvRunID          = "TESTFLEET_RUN_ID"
	EnvShardID        = "TESTFLEET_SHARD_ID"
	EnvShardCount     = "TESTFLEET_SHARD_COUNT"
	EnvBucket         = "TESTFLEET_BUCKET"
	EnvRegion         = "TESTFLEET_REGION"
	EnvFramework      = "TESTFLEET_FRAMEWORK"
	EnvTimeoutSeconds = "TESTFLEET_TIMEOUT_SECONDS"
)

// Tags applied to every task so status and cancel can reconcile by
// (run id, shard id) without the launching process.
const (
	tagRunID   = "testfleet/run-id"
	tagShardID = "testfleet/shard-id"
)

// describeBatchSize is the DescribeTasks API limit.
const describeBatchSize = 100

// ecsClient is the subset of the ECS API the backend uses, extracted so
// tests can substitute a fake.
type ecsClient interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// ECSConfig locates the cluster and task definition shards run on.
type ECSConfig struct {
	Cluster        string
	TaskDefinition string
	// ContainerName is the worker container inside the task definition
	// whose environment receives the shard assignment.
	ContainerName  string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// ECSBackend runs one Fargate task per shard.
type ECSBackend struct {
	client ecsClient
	config ECSConfig
	logger *logrus.Entry
}

var _ Backend = &ECSBackend{}

func NewECSBackend(client *ecs.Client, config ECSConfig) *ECSBackend {
	return newECSBackend(client, config)
}

func newECSBackend(client ecsClient, config ECSConfig) *ECSBackend {
	return &ECSBackend{
		client: client,
		config: config,
		logger: logrus.WithField("cluster", config.Cluster),
	}
}

func (b *ECSBackend) Launch(ctx context.Context, spec TaskSpec) (TaskHandle, error) {
	assignPublicIP := ecstypes.AssignPublicIpDisabled
	if b.config.AssignPublicIP {
		assignPublicIP = ecstypes.AssignPublicIpEnabled
	}
	input := &ecs.RunTaskInput{
		Cluster:        aws.String(b.config.Cluster),
		TaskDefinition: aws.String(b.config.TaskDefinition),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        b.config.Subnets,
				SecurityGroups: b.config.SecurityGroups,
				AssignPublicIp: assignPublicIP,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(b.config.ContainerName),
				Environment: workerEnvironment(spec),
			}},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String(tagRunID), Value: aws.String(spec.RunID)},
			{Key: aws.String(tagShardID), Value: aws.String(strconv.Itoa(spec.ShardID))},
		},
	}
	out, err := b.client.RunTask(ctx, input)
	if err != nil {
		return TaskHandle{}, fmt.Errorf("running task for shard %d: %w", spec.ShardID, err)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return TaskHandle{}, fmt.Errorf("running task for shard %d: %s: %s", spec.ShardID, aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 {
		return TaskHandle{}, fmt.Errorf("running task for shard %d: backend returned no task", spec.ShardID)
	}
	handle := TaskHandle{ID: aws.ToString(out.Tasks[0].TaskArn), ShardID: spec.ShardID}
	b.logger.WithFields(logrus.Fields{"run": spec.RunID, "shard": spec.ShardID, "task": handle.ID}).Info("Launched task")
	return handle, nil
}

func (b *ECSBackend) Describe(ctx context.Context, handles []TaskHandle) ([]TaskStatus, error) {
	byARN := map[string]TaskHandle{}
	var arns []string
	for _, h := range handles {
		byARN[h.ID] = h
		arns = append(arns, h.ID)
	}
	var statuses []TaskStatus
	for len(arns) > 0 {
		batch := arns
		if len(batch) > describeBatchSize {
			batch = batch[:describeBatchSize]
		}
		arns = arns[len(batch):]

		out, err := b.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(b.config.Cluster),
			Tasks:   batch,
		})
		if err != nil {
			return nil, fmt.Errorf("describing %d tasks: %w", len(batch), err)
		}
		for _, task := range out.Tasks {
			handle := byARN[aws.ToString(task.TaskArn)]
			statuses = append(statuses, taskStatus(handle, task))
		}
		for _, failure := range out.Failures {
			handle := byARN[aws.ToString(failure.Arn)]
			statuses = append(statuses, TaskStatus{
				Handle: handle,
				State:  TaskUnknown,
				Reason: aws.ToString(failure.Reason),
			})
		}
	}
	return statuses, nil
}

func (b *ECSBackend) Stop(ctx context.Context, handle TaskHandle, reason string) error {
	_, err := b.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(b.config.Cluster),
		Task:    aws.String(handle.ID),
		Reason:  aws.String(reason),
	})
	if err != nil {
		// Stopping a task that already stopped and aged out of the
		// DescribeTasks window surfaces as a not-found error.
		if strings.Contains(err.Error(), "The referenced task was not found") {
			return nil
		}
		return fmt.Errorf("stopping task %s: %w", handle.ID, err)
	}
	return nil
}

func workerEnvironment(spec TaskSpec) []ecstypes.KeyValuePair {
	pair := func(name, value string) ecstypes.KeyValuePair {
		return ecstypes.KeyValuePair{Name: aws.String(name), Value: aws.String(value)}
	}
	return []ecstypes.KeyValuePair{
		pair(EnvRunID, spec.RunID),
		pair(EnvShardID, strconv.Itoa(spec.ShardID)),
		pair(EnvShardCount, strconv.Itoa(spec.ShardCount)),
		pair(EnvBucket, spec.Bucket),
		pair(EnvRegion, spec.Region),
		pair(EnvFramework, spec.Framework),
		pair(EnvTimeoutSeconds, strconv.Itoa(int(spec.Timeout.Seconds()))),
	}
}

func taskStatus(handle TaskHandle, task ecstypes.Task) TaskStatus {
	status := TaskStatus{Handle: handle, Reason: aws.ToString(task.StoppedReason)}
	switch aws.ToString(task.LastStatus) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		status.State = TaskPending
	case "RUNNING", "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		// A stopping task may still be uploading its result, treat it as
		// live until the backend reports STOPPED.
		status.State = TaskRunning
	case "STOPPED":
		status.State = TaskStopped
		for _, container := range task.Containers {
			if container.ExitCode != nil {
				code := int(aws.ToInt32(container.ExitCode))
				status.ExitCode = &code
				break
			}
		}
	default:
		status.State = TaskUnknown
	}
	return status
}
