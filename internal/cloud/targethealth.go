package cloud

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// ELBAPI is the subset of the load balancer client used here.
type ELBAPI interface {
	DescribeTargetGroups(ctx context.Context, in *elbv2.DescribeTargetGroupsInput, opts ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	DescribeTargetHealth(ctx context.Context, in *elbv2.DescribeTargetHealthInput, opts ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error)
}

// TargetHealth reports the load balancer state of this node.
type TargetHealth struct {
	client          ELBAPI
	loadBalancerARN string
	instanceID      string
}

// NewTargetHealth creates a TargetHealth for the instance this process runs
// on, resolving its id from the instance metadata service.
func NewTargetHealth(ctx context.Context, cfg aws.Config, loadBalancerARN string) (*TargetHealth, error) {
	id, err := InstanceID(ctx, imds.NewFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewTargetHealthWithClient(elbv2.NewFromConfig(cfg), loadBalancerARN, id), nil
}

// NewTargetHealthWithClient creates a TargetHealth over client.
func NewTargetHealthWithClient(client ELBAPI, loadBalancerARN, instanceID string) *TargetHealth {
	return &TargetHealth{client: client, loadBalancerARN: loadBalancerARN, instanceID: instanceID}
}

// MetadataAPI is the subset of the instance metadata client used here.
type MetadataAPI interface {
	GetMetadata(ctx context.Context, in *imds.GetMetadataInput, opts ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// InstanceID reads this instance's id from the metadata service.
func InstanceID(ctx context.Context, client MetadataAPI) (string, error) {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	defer out.Content.Close() //nolint:errcheck
	raw, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// State returns this node's health state in the first target group of the
// load balancer that lists it, or "" when no target group does.
func (t *TargetHealth) State(ctx context.Context) (string, error) {
	groups, err := t.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		LoadBalancerArn: aws.String(t.loadBalancerARN),
	})
	if err != nil {
		return "", fmt.Errorf("describe target groups: %w", err)
	}
	for _, g := range groups.TargetGroups {
		health, err := t.client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
			TargetGroupArn: g.TargetGroupArn,
		})
		if err != nil {
			return "", fmt.Errorf("describe target health: %w", err)
		}
		for _, d := range health.TargetHealthDescriptions {
			if d.Target == nil || aws.ToString(d.Target.Id) != t.instanceID {
				continue
			}
			if d.TargetHealth == nil {
				return "", nil
			}
			return string(d.TargetHealth.State), nil
		}
	}
	return "", nil
}

// Draining reports whether the load balancer is draining this node.
func (t *TargetHealth) Draining(ctx context.Context) (bool, error) {
	state, err := t.State(ctx)
	if err != nil {
		return false, err
	}
	return state == string(elbtypes.TargetHealthStateEnumDraining), nil
}
