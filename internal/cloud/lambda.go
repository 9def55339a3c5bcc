package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"notebook-builder/internal/domain"
)

// LambdaAPI is the subset of the Lambda client used here.
type LambdaAPI interface {
	lambda.GetFunctionAPIClient
	GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, opts ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, opts ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, opts ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, opts ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Functions manages build functions on AWS Lambda.
type Functions struct {
	client LambdaAPI
	// pollDelay bounds the waiter's delay between state checks.
	pollDelay time.Duration
}

// NewFunctions creates a Functions adapter from an SDK configuration.
func NewFunctions(cfg aws.Config) *Functions {
	return NewFunctionsWithClient(lambda.NewFromConfig(cfg))
}

// NewFunctionsWithClient creates a Functions adapter over client.
func NewFunctionsWithClient(client LambdaAPI) *Functions {
	return &Functions{client: client, pollDelay: time.Second}
}

// LookupFunction returns the ARN of the named function and whether it exists.
func (f *Functions) LookupFunction(ctx context.Context, name string) (string, bool, error) {
	out, err := f.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get function %s: %w", name, err)
	}
	if out.Configuration == nil {
		return "", true, nil
	}
	return aws.ToString(out.Configuration.FunctionArn), true, nil
}

// DeleteFunction removes the named function. A missing function is not an
// error.
func (f *Functions) DeleteFunction(ctx context.Context, name string) error {
	_, err := f.client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(name)})
	var nf *types.ResourceNotFoundException
	if err != nil && !errors.As(err, &nf) {
		return fmt.Errorf("delete function %s: %w", name, err)
	}
	return nil
}

// CreateFunction creates an image-packaged function and returns its ARN.
//
// Lambda rejects a role or image it cannot use yet with
// InvalidParameterValueException, reported as domain.ErrFunctionNotReady. A
// name collision is reported as domain.ErrFunctionExists.
func (f *Functions) CreateFunction(ctx context.Context, spec domain.FunctionSpec) (string, error) {
	in := &lambda.CreateFunctionInput{
		FunctionName: aws.String(spec.Name),
		Role:         aws.String(spec.RoleARN),
		PackageType:  types.PackageTypeImage,
		Code:         &types.FunctionCode{ImageUri: aws.String(spec.ImageURI)},
		Publish:      true,
		Tags:         spec.Tags,
	}
	if spec.MemoryMB > 0 {
		in.MemorySize = aws.Int32(spec.MemoryMB)
	}
	if spec.TimeoutSeconds > 0 {
		in.Timeout = aws.Int32(spec.TimeoutSeconds)
	}
	if len(spec.Env) > 0 {
		in.Environment = &types.Environment{Variables: spec.Env}
	}
	out, err := f.client.CreateFunction(ctx, in)
	if err != nil {
		var invalid *types.InvalidParameterValueException
		var conflict *types.ResourceConflictException
		switch {
		case errors.As(err, &invalid):
			return "", fmt.Errorf("%w: %s", domain.ErrFunctionNotReady, invalid.ErrorMessage())
		case errors.As(err, &conflict):
			return "", fmt.Errorf("%w: %s", domain.ErrFunctionExists, spec.Name)
		}
		return "", fmt.Errorf("create function %s: %w", spec.Name, err)
	}
	return aws.ToString(out.FunctionArn), nil
}

// WaitActive waits up to maxWait for the function to reach the Active state.
// It returns domain.ErrActivationPending when the function is still pending
// after maxWait, and an error when activation failed.
func (f *Functions) WaitActive(ctx context.Context, name string, maxWait time.Duration) error {
	waiter := lambda.NewFunctionActiveV2Waiter(f.client, func(o *lambda.FunctionActiveV2WaiterOptions) {
		o.MinDelay = f.pollDelay
		o.MaxDelay = f.pollDelay
	})
	err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, maxWait)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	out, cerr := f.client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)})
	if cerr != nil {
		return fmt.Errorf("get function configuration %s: %w", name, cerr)
	}
	switch out.State {
	case types.StateActive:
		return nil
	case types.StateFailed:
		return fmt.Errorf("function %s failed to activate: %s", name, aws.ToString(out.StateReason))
	}
	return domain.ErrActivationPending
}

// UpdateImage points an existing function at a new image and waits up to
// maxWait for the update to complete.
func (f *Functions) UpdateImage(ctx context.Context, name, imageURI string, maxWait time.Duration) error {
	_, err := f.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(name),
		ImageUri:     aws.String(imageURI),
		Publish:      true,
	})
	if err != nil {
		return fmt.Errorf("update function code %s: %w", name, err)
	}
	waiter := lambda.NewFunctionUpdatedV2Waiter(f.client, func(o *lambda.FunctionUpdatedV2WaiterOptions) {
		o.MinDelay = f.pollDelay
		o.MaxDelay = f.pollDelay
	})
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, maxWait); err != nil {
		return fmt.Errorf("wait for function update %s: %w", name, err)
	}
	return nil
}

// Invoke calls the function synchronously and returns its response payload.
// Handler errors come back in the payload, not as an error.
func (f *Functions) Invoke(ctx context.Context, name string, payload []byte) ([]byte, error) {
	out, err := f.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(name),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	return out.Payload, nil
}
