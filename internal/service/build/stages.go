package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"notebook-builder/internal/container"
	"notebook-builder/internal/domain"
)

func (x *Executor) buildImage(ctx context.Context, r *run) error {
	r.report.Running(ctx, "\r\n\r\n"+bannerBuild+"\r\n")
	emit := x.emitter(ctx, r)
	parser := &LogParser{}

	err := streamLines(ctx,
		func(ctx context.Context, w io.Writer) error {
			return x.deps.Engine.Build(ctx, container.BuildOptions{
				ContextDir: r.ws.ContextDir(),
				Tag:        r.image.Local(),
				Output:     w,
			})
		},
		func(line string) error {
			if err := x.checkCancel(r); err != nil {
				return err
			}
			ev, ok, err := parser.Feed(line)
			if err != nil {
				return Fatal(r.id, "read build output", err)
			}
			if !ok {
				return nil
			}
			return emit(ev)
		})
	if parser.ImageID != "" {
		r.imageID = parser.ImageID
	}
	if err != nil {
		var be *Error
		if errors.As(err, &be) {
			return err
		}
		return Fatal(r.id, "Docker error, check to make sure daemon is running", err)
	}
	if r.imageID == "" {
		return Fatalf(r.id, "image id not found in docker build output")
	}

	size, err := x.deps.Engine.ImageSize(ctx, r.image.Local())
	if err != nil {
		return Fatal(r.id, "inspect image", err)
	}
	r.logger.Info("image built", "image", r.image.Local(), "size_bytes", size)
	if size >= x.cfg.MaxImageBytes {
		return Fatalf(r.id, "docker image size %d exceeds max of 10G", size)
	}
	mb := int64(math.Round(float64(size) / 1e6))
	return x.update(ctx, r, domain.BuildUpdate{ImageSizeMB: &mb})
}

func (x *Executor) push(ctx context.Context, r *run) error {
	r.report.Running(ctx, "\r\n\r\n"+bannerPush+"\r\n")
	r.report.Running(ctx, "\r\nTake a break or get some coffee, we still have 10 or so minutes to go.\r\n")

	private, err := x.deps.Registry.PrivateCredential(ctx)
	if err != nil {
		return Fatal(r.id, "Login to AWS failed", err)
	}
	public, err := x.deps.Registry.PublicCredential(ctx)
	if err != nil {
		return Fatal(r.id, "Login to AWS failed", err)
	}
	for _, cred := range []domain.RegistryCredential{private, public} {
		if err := x.deps.Engine.Login(ctx, cred); err != nil {
			return Fatal(r.id, "Login to AWS failed", err)
		}
	}

	r.remote = r.image.Remote(private.ServerAddress)
	if err := x.deps.Engine.Tag(ctx, r.image.Local(), r.remote); err != nil {
		return Fatal(r.id, "tag image", err)
	}

	for attempt := 0; ; attempt++ {
		if err := x.checkCancel(r); err != nil {
			return err
		}
		err := x.pushOnce(ctx, r, private)
		if err == nil {
			return nil
		}
		if IsCancelled(err) {
			return err
		}
		r.logger.Warn("push failed", "attempt", attempt+1, "error", err)
		if attempt >= x.cfg.PushRetries {
			return Exhausted(r.id, fmt.Sprintf("push %s failed after %d attempts", r.remote, attempt+1), err)
		}
		x.deps.Metrics.PushRetried()
		r.report.Running(ctx, "\r\nPush to aws timed out, waiting 1 min and retrying...\r\n")
		if err := x.deps.Sleep(ctx, x.cfg.PushRetryDelay); err != nil {
			return Fatal(r.id, "push interrupted", err)
		}
	}
}

// pushOnce makes one push attempt, writing a dot per line of engine output.
func (x *Executor) pushOnce(ctx context.Context, r *run, cred domain.RegistryCredential) error {
	parser := &LogParser{}
	return streamLines(ctx,
		func(ctx context.Context, w io.Writer) error {
			return x.deps.Engine.Push(ctx, r.remote, cred, w)
		},
		func(line string) error {
			if err := x.checkCancel(r); err != nil {
				return err
			}
			if ev, ok, _ := parser.Feed(line); ok && ev.Kind == EventError {
				return errors.New(ev.Message)
			}
			r.report.Inline(ctx, ".")
			return nil
		})
}

func (x *Executor) deploy(ctx context.Context, r *run) error {
	fp := x.deps.Functions
	name := r.image.FunctionName()

	existing, exists, err := fp.LookupFunction(ctx, name)
	if err != nil {
		return Fatal(r.id, "look up function", err)
	}
	if exists {
		// The function of an earlier build of this notebook takes the new
		// image in place. Only when that fails is it replaced.
		wait := x.cfg.ActivationWait * time.Duration(max(x.cfg.ActivationAttempts, 1))
		uerr := fp.UpdateImage(ctx, name, r.remote, wait)
		if uerr == nil {
			r.logger.Info("function updated in place", "function", name)
			return x.activate(ctx, r, name, existing)
		}
		r.logger.Warn("update function in place failed, recreating", "function", name, "error", uerr)
		if err := fp.DeleteFunction(ctx, name); err != nil {
			return Fatal(r.id, "delete previous function", errors.Join(uerr, err))
		}
	}

	spec := domain.FunctionSpec{
		Name:           name,
		ImageURI:       r.remote,
		RoleARN:        x.cfg.FunctionRoleARN,
		MemoryMB:       x.cfg.FunctionMemoryMB,
		TimeoutSeconds: x.cfg.FunctionTimeout,
		Tags:           map[string]string{"user_id": r.build.UserID, "build_id": r.id},
		Env:            map[string]string{"AWS_REQUEST_BUCKET": x.cfg.RequestBucket},
	}
	backoff := x.deps.Backoff
	backoff.OnRetry = func(delay time.Duration, _ error) {
		r.report.Running(ctx, fmt.Sprintf("Sleeping for %d to give AWS time to connect resources.", int(delay.Seconds())))
	}
	arn, err := RetryTransient(ctx, backoff,
		func(err error) bool { return errors.Is(err, domain.ErrFunctionNotReady) },
		func(ctx context.Context) (string, error) {
			if err := x.checkCancel(r); err != nil {
				return "", err
			}
			return fp.CreateFunction(ctx, spec)
		})
	switch {
	case errors.Is(err, domain.ErrFunctionExists):
		existing, found, lerr := fp.LookupFunction(ctx, name)
		if lerr != nil || !found {
			return Fatal(r.id, "function already exists but cannot be found", errors.Join(err, lerr))
		}
		arn = existing
	case errors.Is(err, domain.ErrFunctionNotReady):
		return Exhausted(r.id, "create function", err)
	case err != nil:
		var be *Error
		if errors.As(err, &be) {
			return err
		}
		return Fatal(r.id, "create function", err)
	}
	return x.activate(ctx, r, name, arn)
}

// activate polls until the function is active, then records where it lives.
func (x *Executor) activate(ctx context.Context, r *run, name, arn string) error {
	fp := x.deps.Functions
	emit := x.emitter(ctx, r)
	for attempt := 1; ; attempt++ {
		if err := x.checkCancel(r); err != nil {
			return err
		}
		err := fp.WaitActive(ctx, name, x.cfg.ActivationWait)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrActivationPending) {
			return Fatal(r.id, "wait for function", err)
		}
		if err := emit(Dot()); err != nil {
			return err
		}
		if attempt >= x.cfg.ActivationAttempts {
			return Exhausted(r.id, fmt.Sprintf("function %s not active after %d polls", name, attempt), err)
		}
	}

	if err := emit(StageEvent{Kind: EventFunctionARN, ARN: arn}); err != nil {
		return err
	}
	return x.update(ctx, r, domain.BuildUpdate{FunctionARN: &r.arn, ImageURI: &r.remote})
}

// validate makes one warm-up call to the deployed function. Its failure does
// not fail the build.
func (x *Executor) validate(ctx context.Context, r *run) error {
	r.report.Running(ctx, "\r\n\r\n"+bannerCloud+"\r\n")

	sample, err := r.input.SampleInput(x.cfg.SampleImageURL)
	if err != nil {
		r.logger.Warn("cannot synthesise validation input", "error", err)
		return nil
	}
	sample["request_id"] = r.id
	sample["output_bucket_name"] = x.cfg.RequestBucket
	payload, err := json.Marshal(map[string]any{"body": sample})
	if err != nil {
		r.logger.Warn("encode validation input failed", "error", err)
		return nil
	}
	resp, err := x.deps.Functions.Invoke(ctx, r.image.FunctionName(), payload)
	if err == nil {
		var out map[string]any
		err = DecodeInvocation(r.id, resp, &out)
	}
	if err != nil {
		r.logger.Warn("validation call failed", "function", r.image.FunctionName(), "error", err)
	}
	return nil
}
