package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"notebook-builder/internal/container"
	"notebook-builder/internal/domain"
)

// invocationPath is the runtime emulator's invoke endpoint inside the image.
const invocationPath = "/2015-03-31/functions/function/invocations"

// SmokeTester runs a freshly built image locally and checks that its declared
// schemas and prediction output agree.
type SmokeTester struct {
	Engine         ContainerEngine
	Client         *http.Client
	Host           string // defaults to localhost
	BasePort       int
	MemoryMB       int64
	Env            map[string]string
	SampleImageURL string
	// ReadyAttempts bounds how often an unreachable container is retried,
	// ReadyDelay apart, before the test fails.
	ReadyAttempts int
	ReadyDelay    time.Duration
	Sleep         SleepFunc
	Logger        *slog.Logger
}

// SmokeResult holds what the smoke test learned about the image.
type SmokeResult struct {
	Port   int
	Input  domain.FieldSchema
	Output domain.FieldSchema
}

// Port returns the host port used by the job in slot.
func (s *SmokeTester) Port(slot int) int { return s.BasePort + slot }

// Run starts image on the slot's port, reads its schemas, calls predict with
// synthesised input and checks the output. The container is always removed.
func (s *SmokeTester) Run(ctx context.Context, buildID, image string, slot int, emit Emit) (res SmokeResult, err error) {
	res.Port = s.Port(slot)
	logger := s.logger().With("build_id", buildID, "port", res.Port)

	if err := s.Engine.KillByImage(ctx, image); err != nil {
		logger.Warn("kill stale containers failed", "error", err)
	}

	opts := container.RunOptions{Image: image, HostPort: res.Port, Env: s.Env, MemoryMB: s.MemoryMB}
	id, err := s.Engine.Run(ctx, opts)
	if errors.Is(err, container.ErrPortAllocated) {
		logger.Info("port busy, retrying container start once")
		id, err = s.Engine.Run(ctx, opts)
	}
	if err != nil {
		logger.Error("start test container failed", "error", err)
		return res, Fatal(buildID, "Error running local docker container for testing", err)
	}
	defer func() {
		if rerr := s.Engine.RemoveContainer(context.WithoutCancel(ctx), id); rerr != nil {
			logger.Warn("remove test container failed", "container", id, "error", rerr)
		}
	}()

	if err := emit(Message("Running local docker container for testing")); err != nil {
		return res, err
	}

	url := fmt.Sprintf("http://%s:%d%s", s.host(), res.Port, invocationPath)
	if err := s.invoke(ctx, buildID, url, map[string]any{"get_inference_input_json": 1}, &res.Input); err != nil {
		return res, err
	}
	if err := emit(Message("Found input json " + schemaString(res.Input))); err != nil {
		return res, err
	}
	if err := emit(StageEvent{Kind: EventInputSchema, Schema: res.Input}); err != nil {
		return res, err
	}

	if err := s.invoke(ctx, buildID, url, map[string]any{"get_inference_output_json": 1}, &res.Output); err != nil {
		return res, err
	}
	if err := emit(Message("Found output json " + schemaString(res.Output))); err != nil {
		return res, err
	}
	if err := emit(StageEvent{Kind: EventOutputSchema, Schema: res.Output}); err != nil {
		return res, err
	}

	sample, err := res.Input.SampleInput(s.SampleImageURL)
	if err != nil {
		return res, Fatal(buildID, "synthesise test input", err)
	}
	sample["request_id"] = buildID

	if err := emit(Message("Running predict function")); err != nil {
		return res, err
	}
	var out map[string]any
	if err := s.invoke(ctx, buildID, url, sample, &out); err != nil {
		return res, err
	}
	if err := res.Output.CheckOutput(out); err != nil {
		return res, Fatalf(buildID, "%s", err.Error())
	}
	return res, emit(Message("Running predict function success"))
}

// invoke posts {"body": body} to the emulator and decodes the handler result
// into target. Connection failures are retried while the runtime starts.
func (s *SmokeTester) invoke(ctx context.Context, buildID, url string, body map[string]any, target any) error {
	payload, err := json.Marshal(map[string]any{"body": body})
	if err != nil {
		return Fatal(buildID, "encode test request", err)
	}

	attempts := max(s.ReadyAttempts, 1)
	var resp []byte
	for i := range attempts {
		resp, err = s.post(ctx, url, payload)
		if err == nil {
			break
		}
		if ctx.Err() != nil || i == attempts-1 {
			return Fatal(buildID, "test container did not respond", err)
		}
		if serr := s.sleep(ctx, s.ReadyDelay); serr != nil {
			return Fatal(buildID, "test container did not respond", serr)
		}
	}
	return DecodeInvocation(buildID, resp, target)
}

func (s *SmokeTester) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *SmokeTester) host() string {
	if s.Host == "" {
		return "localhost"
	}
	return s.Host
}

func (s *SmokeTester) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep == nil {
		return Sleep(ctx, d)
	}
	return s.Sleep(ctx, d)
}

func (s *SmokeTester) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

type invocationResponse struct {
	Body         json.RawMessage `json:"body"`
	ErrorMessage *string         `json:"errorMessage"`
	StackTrace   []string        `json:"stackTrace"`
}

// DecodeInvocation unwraps a function response of the form
// {"statusCode":200,"body":"{\"result\":\"<json>\"}"} and decodes <json> into
// target. A handler exception ({"errorMessage":..., "stackTrace":[...]}) is
// returned as a fatal error carrying the message and trace.
func DecodeInvocation(buildID string, payload []byte, target any) error {
	var resp invocationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Fatal(buildID, "function returned malformed response", err)
	}
	if resp.ErrorMessage != nil {
		msg := *resp.ErrorMessage + strings.Join(resp.StackTrace, "")
		return Fatalf(buildID, "%s", strings.ReplaceAll(msg, "\n", "\r\n"))
	}

	body := []byte(resp.Body)
	var encoded string
	if err := json.Unmarshal(body, &encoded); err == nil {
		body = []byte(encoded)
	}
	var envelope struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Result == nil {
		return Fatalf(buildID, "function response has no result")
	}
	if err := json.Unmarshal([]byte(*envelope.Result), target); err != nil {
		return Fatal(buildID, "function result is not valid JSON", err)
	}
	return nil
}

func schemaString(s domain.FieldSchema) string {
	b, _ := json.Marshal(s)
	return string(b)
}
