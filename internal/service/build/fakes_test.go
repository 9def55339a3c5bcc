package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notebook-builder/internal/container"
	"notebook-builder/internal/domain"
)

// fakeEngine implements ContainerEngine in memory.
type fakeEngine struct {
	mu sync.Mutex

	BuildOutput string
	BuildErr    error
	BuildFn     func(out io.Writer) error
	Size        int64
	PushFn      func(attempt int, out io.Writer) error
	RunFn       func(opts container.RunOptions) (string, error)

	Pushes  int
	Runs    []container.RunOptions
	Removed []string
	Killed  []string
	Pruned  []string
	Tags    [][2]string
	Logins  []domain.RegistryCredential
}

func (e *fakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	if e.BuildFn != nil {
		return e.BuildFn(opts.Output)
	}
	if _, err := io.WriteString(opts.Output, e.BuildOutput); err != nil {
		return err
	}
	return e.BuildErr
}

func (e *fakeEngine) ImageSize(context.Context, string) (int64, error) { return e.Size, nil }

func (e *fakeEngine) Login(_ context.Context, cred domain.RegistryCredential) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Logins = append(e.Logins, cred)
	return nil
}

func (e *fakeEngine) Tag(_ context.Context, source, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Tags = append(e.Tags, [2]string{source, target})
	return nil
}

func (e *fakeEngine) Push(_ context.Context, _ string, _ domain.RegistryCredential, out io.Writer) error {
	e.mu.Lock()
	e.Pushes++
	attempt := e.Pushes
	e.mu.Unlock()
	if e.PushFn != nil {
		return e.PushFn(attempt, out)
	}
	_, err := io.WriteString(out, "{\"status\":\"Pushing\"}\r\n{\"status\":\"Pushed\"}\r\n")
	return err
}

func (e *fakeEngine) Prune(_ context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pruned = append(e.Pruned, ref)
	return nil
}

func (e *fakeEngine) KillByImage(_ context.Context, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Killed = append(e.Killed, image)
	return nil
}

func (e *fakeEngine) Run(_ context.Context, opts container.RunOptions) (string, error) {
	e.mu.Lock()
	e.Runs = append(e.Runs, opts)
	n := len(e.Runs)
	e.mu.Unlock()
	if e.RunFn != nil {
		return e.RunFn(opts)
	}
	return "c-" + strconv.Itoa(n), nil
}

func (e *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Removed = append(e.Removed, id)
	return nil
}

var _ ContainerEngine = (*fakeEngine)(nil)

type fakeRegistry struct{}

func (fakeRegistry) PrivateCredential(context.Context) (domain.RegistryCredential, error) {
	return domain.RegistryCredential{Username: "AWS", Password: "p", ServerAddress: "https://123.dkr.ecr.us-east-1.amazonaws.com"}, nil
}

func (fakeRegistry) PublicCredential(context.Context) (domain.RegistryCredential, error) {
	return domain.RegistryCredential{Username: "AWS", Password: "q", ServerAddress: "https://public.ecr.aws/alias"}, nil
}

// fakeFunctions implements FunctionPlatform.
type fakeFunctions struct {
	mu sync.Mutex

	Exists       bool
	CreateErrs   []error // returned by successive CreateFunction calls
	PendingPolls int     // WaitActive returns ErrActivationPending this many times
	LookupFn     func() (string, bool, error)
	InvokeFn     func(payload []byte) ([]byte, error)
	UpdateErr    error

	Updated []string // image URIs
	Deleted []string
	Created []domain.FunctionSpec
	Polls   int
	Invoked [][]byte
}

func (f *fakeFunctions) LookupFunction(context.Context, string) (string, bool, error) {
	if f.LookupFn != nil {
		return f.LookupFn()
	}
	return "arn:aws:lambda:us-east-1:123:function:existing", f.Exists, nil
}

func (f *fakeFunctions) DeleteFunction(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, name)
	return nil
}

func (f *fakeFunctions) CreateFunction(_ context.Context, spec domain.FunctionSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, spec)
	if len(f.CreateErrs) > 0 {
		err := f.CreateErrs[0]
		f.CreateErrs = f.CreateErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "arn:aws:lambda:us-east-1:123:function:" + spec.Name, nil
}

func (f *fakeFunctions) UpdateImage(_ context.Context, _, imageURI string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updated = append(f.Updated, imageURI)
	return f.UpdateErr
}

func (f *fakeFunctions) WaitActive(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Polls++
	if f.Polls <= f.PendingPolls {
		return domain.ErrActivationPending
	}
	return nil
}

func (f *fakeFunctions) Invoke(_ context.Context, _ string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.Invoked = append(f.Invoked, payload)
	f.mu.Unlock()
	if f.InvokeFn != nil {
		return f.InvokeFn(payload)
	}
	return lambdaResponse(map[string]any{"label": "positive"}), nil
}

var _ FunctionPlatform = (*fakeFunctions)(nil)

// lambdaResponse renders result the way the function scaffold returns it.
func lambdaResponse(result any) []byte {
	inner, _ := json.Marshal(result)
	body, _ := json.Marshal(map[string]string{"result": string(inner)})
	out, _ := json.Marshal(map[string]any{"statusCode": 200, "body": string(body)})
	return out
}

// runtimeEmulator serves the invoke endpoint of a test container. It answers
// schema queries from input/output and predictions from predict.
type runtimeEmulator struct {
	input   domain.FieldSchema
	output  domain.FieldSchema
	predict func(body map[string]any) []byte

	mu     sync.Mutex
	bodies []map[string]any
}

func (e *runtimeEmulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != invocationPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Body map[string]any `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	e.bodies = append(e.bodies, req.Body)
	e.mu.Unlock()

	switch {
	case req.Body["get_inference_input_json"] != nil:
		_, _ = w.Write(lambdaResponse(e.input))
	case req.Body["get_inference_output_json"] != nil:
		_, _ = w.Write(lambdaResponse(e.output))
	case e.predict != nil:
		_, _ = w.Write(e.predict(req.Body))
	default:
		out := make(map[string]any, len(e.output))
		for k, t := range e.output {
			if t.IsImage() {
				out[k] = "s3://requests/" + k + ".png"
			} else {
				out[k] = "positive"
			}
		}
		_, _ = w.Write(lambdaResponse(out))
	}
}

func (e *runtimeEmulator) lastBody() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.bodies) == 0 {
		return nil
	}
	return e.bodies[len(e.bodies)-1]
}

// startEmulator serves em on 127.0.0.1 and returns its port.
func startEmulator(t *testing.T, em *runtimeEmulator) (*httptest.Server, int) {
	t.Helper()
	srv := httptest.NewServer(em)
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, port
}

func buildOutput(lines ...string) string {
	var out string
	for _, l := range lines {
		out += fmt.Sprintf("%s\r\n", l)
	}
	return out
}
