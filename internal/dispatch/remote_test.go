package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	logx "rollout/pkg/logx"
)

var errJobMissing = errors.New("job not found")

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingObserver) ObserveCall(key Key, route, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.calls = append(r.calls, key.String()+"/"+route+"/"+outcome)
	r.mu.Unlock()
}

func clientFor(t *testing.T, srvURL string, timeout time.Duration, opts ...Option) *Dispatcher {
	t.Helper()
	u, err := url.Parse(srvURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	c := New(Config{Layer: Client, Host: host, Port: port, Timeout: timeout}, logx.Nop(), opts...)
	c.RegisterErrorKind("job_not_found", http.StatusNotFound, errJobMissing)
	return c
}

func newServerDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Config{Layer: Server}, logx.Nop())
	d.RegisterErrorKind("job_not_found", http.StatusNotFound, errJobMissing)
	if err := Add(d, "jobs", "plan", func(_ context.Context, in planInput) (planOutput, error) {
		if in.Name == "unknown" {
			return planOutput{}, errJobMissing
		}
		return planOutput{Name: in.Name, Items: []string{"service1", "service2"}}, nil
	}); err != nil {
		t.Fatalf("Add plan: %v", err)
	}
	if err := Add(d, "jobs", "run", func(context.Context, planInput) (struct{}, error) {
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("Add run: %v", err)
	}
	if err := Add(d, "cluster", "updateDeployment", func(_ context.Context, in RequestInput) (map[string]string, error) {
		var body map[string]string
		if err := in.Bind(&body); err != nil {
			return nil, err
		}
		return body, nil
	}); err != nil {
		t.Fatalf("Add updateDeployment: %v", err)
	}
	return d
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHTTPServer(newServerDispatcher(t), "", logx.Nop()).Handler())
	defer srv.Close()

	obs := &recordingObserver{}
	c := clientFor(t, srv.URL, 5*time.Second, WithObserver(obs))

	out, err := Get[planOutput](c, "jobs", "plan")(context.Background(), Params("name", "1->2"))
	if err != nil {
		t.Fatalf("remote plan: %v", err)
	}
	if out.Name != "1->2" || len(out.Items) != 2 {
		t.Fatalf("remote plan = %+v", out)
	}

	if _, err := Get[struct{}](c, "jobs", "run")(context.Background(), Params("name", "1->2")); err != nil {
		t.Fatalf("remote run: %v", err)
	}

	in, _ := Data(map[string]string{"cluster": "cluster2"})
	echoed, err := Get[map[string]string](c, "cluster", "updateDeployment")(context.Background(), in)
	if err != nil || echoed["cluster"] != "cluster2" {
		t.Fatalf("remote updateDeployment = %v, %v", echoed, err)
	}

	// a typed value crosses the wire as data
	echoed, err = Get[map[string]string](c, "cluster", "updateDeployment")(context.Background(), Value(map[string]string{"cluster": "cluster3"}))
	if err != nil || echoed["cluster"] != "cluster3" {
		t.Fatalf("remote updateDeployment with value = %v, %v", echoed, err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.calls) != 4 || obs.calls[0] != "jobs.plan/remote/ok" {
		t.Fatalf("observed calls = %v", obs.calls)
	}
}

func TestClientProcedureNotFoundAfterRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHTTPServer(newServerDispatcher(t), "", logx.Nop()).Handler())
	defer srv.Close()
	c := clientFor(t, srv.URL, 5*time.Second)

	_, err := Get[string](c, "jobs", "missing")(context.Background(), RequestInput{})
	if !errors.Is(err, ErrProcedureNotFound) {
		t.Fatalf("error = %v, want ErrProcedureNotFound", err)
	}
	var rerr *RemoteCallError
	if !errors.As(err, &rerr) || rerr.Status != http.StatusNotFound || rerr.Kind != KindProcedureNotFound {
		t.Fatalf("error = %#v, want RemoteCallError 404", err)
	}
}

func TestClientRehydratesRegisteredErrorKinds(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHTTPServer(newServerDispatcher(t), "", logx.Nop()).Handler())
	defer srv.Close()
	c := clientFor(t, srv.URL, 5*time.Second)

	_, err := Get[planOutput](c, "jobs", "plan")(context.Background(), Params("name", "unknown"))
	if !errors.Is(err, errJobMissing) {
		t.Fatalf("error = %v, want errJobMissing", err)
	}
}

func TestClientInternalErrorKeepsMessage(t *testing.T) {
	t.Parallel()
	d := New(Config{Layer: Server}, logx.Nop())
	if err := Add(d, "images", "versions", func(context.Context, RequestInput) ([]string, error) {
		return nil, errors.New("registry unavailable")
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	srv := httptest.NewServer(NewHTTPServer(d, "", logx.Nop()).Handler())
	defer srv.Close()
	c := clientFor(t, srv.URL, 5*time.Second)

	_, err := Get[[]string](c, "images", "versions")(context.Background(), Params("name", "x"))
	var rerr *RemoteCallError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want RemoteCallError", err)
	}
	if rerr.Status != http.StatusInternalServerError || rerr.Kind != KindInternal || rerr.Message != "registry unavailable" {
		t.Fatalf("remote error = %+v", rerr)
	}
}

func TestClientTimeoutIsRemoteCallError(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := clientFor(t, srv.URL, 50*time.Millisecond)
	_, err := Get[string](c, "jobs", "jobs")(context.Background(), RequestInput{})
	var rerr *RemoteCallError
	if !errors.As(err, &rerr) || rerr.Status != 0 {
		t.Fatalf("error = %v, want transport RemoteCallError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want wrapped deadline exceeded", err)
	}
}

func TestClientHonoursCallerCancel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := clientFor(t, srv.URL, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Get[string](c, "jobs", "jobs")(ctx, RequestInput{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestServerRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHTTPServer(newServerDispatcher(t), "", logx.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+callPath("jobs", "plan"), "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
