package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"

	logx "rollout/pkg/logx"
)

type failingTransport struct{ t *testing.T }

func (f failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.t.Errorf("unexpected network call to %s", r.URL)
	return nil, errors.New("network disabled")
}

type planInput struct {
	Name string `json:"name"`
}

type planOutput struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestParseLayer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Layer
		wantErr bool
	}{
		{in: "", want: Standalone},
		{in: "Standalone", want: Standalone},
		{in: " server ", want: Server},
		{in: "CLIENT", want: Client},
		{in: "edge", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLayer(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseLayer(%q) error = nil", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseLayer(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestStandaloneCallsHandlerWithoutNetwork(t *testing.T) {
	t.Parallel()
	d := New(Config{Layer: Standalone, Host: "example.invalid", Port: 1}, logx.Nop(),
		WithHTTPClient(&http.Client{Transport: failingTransport{t: t}}))

	calls := 0
	err := Add(d, "jobs", "plan", func(_ context.Context, in planInput) (planOutput, error) {
		calls++
		return planOutput{Name: in.Name, Items: []string{"service1"}}, nil
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	out, err := Get[planOutput](d, "jobs", "plan")(context.Background(), Params("name", "1->2"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 1 || out.Name != "1->2" || len(out.Items) != 1 {
		t.Fatalf("unexpected result %+v after %d calls", out, calls)
	}
}

type deployInput struct {
	Name    string `json:"name"`
	Token   string `json:"-"`
	replica *int
}

func TestLocalValueReachesHandlerUnencoded(t *testing.T) {
	t.Parallel()
	d := New(Config{Layer: Standalone}, logx.Nop())
	var got deployInput
	if err := Add(d, "cluster", "deploy", func(_ context.Context, in deployInput) (struct{}, error) {
		got = in
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var gotPtr *deployInput
	if err := Add(d, "cluster", "deployPtr", func(_ context.Context, in *deployInput) (struct{}, error) {
		gotPtr = in
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	replicas := 7
	want := deployInput{Name: "api", Token: "s3cret", replica: &replicas}
	tests := []struct {
		name  string
		proc  string
		value any
		check func() deployInput
	}{
		{name: "struct to struct", proc: "deploy", value: want, check: func() deployInput { return got }},
		{name: "pointer to struct", proc: "deploy", value: &want, check: func() deployInput { return got }},
		{name: "struct to pointer", proc: "deployPtr", value: want, check: func() deployInput { return *gotPtr }},
	}
	for _, tt := range tests {
		if _, err := Get[struct{}](d, "cluster", tt.proc)(context.Background(), Value(tt.value)); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		in := tt.check()
		if in.Name != "api" || in.Token != "s3cret" || in.replica != &replicas {
			t.Fatalf("%s: handler got %+v", tt.name, in)
		}
	}

	if _, err := Get[struct{}](d, "cluster", "deploy")(context.Background(), Value(planInput{Name: "x"})); !errors.Is(err, ErrBadInput) {
		t.Fatalf("mismatched value error = %v, want ErrBadInput", err)
	}
}

func TestAddRejectsDuplicatePair(t *testing.T) {
	t.Parallel()
	d := New(Config{}, logx.Nop())
	first := func(context.Context, RequestInput) (string, error) { return "first", nil }
	second := func(context.Context, RequestInput) (string, error) { return "second", nil }

	if err := Add(d, "cluster", "clusters", first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := Add(d, "cluster", "clusters", second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Add error = %v, want ErrDuplicate", err)
	}
	got, err := Get[string](d, "cluster", "clusters")(context.Background(), RequestInput{})
	if err != nil || got != "first" {
		t.Fatalf("invoke = %q, %v; want first handler", got, err)
	}
	if n := len(d.Procedures()); n != 1 {
		t.Fatalf("Procedures = %d, want 1", n)
	}
}

func TestAddValidatesInputShape(t *testing.T) {
	t.Parallel()
	d := New(Config{}, logx.Nop())
	err := Add(d, "images", "versions", func(context.Context, string) ([]string, error) { return nil, nil })
	if !errors.Is(err, ErrBadHandler) {
		t.Fatalf("Add with string input error = %v, want ErrBadHandler", err)
	}
	err = Add(d, "images", "versions", func(_ context.Context, in *planInput) (string, error) { return in.Name, nil })
	if err != nil {
		t.Fatalf("Add with pointer input: %v", err)
	}
	got, err := Get[string](d, "images", "versions")(context.Background(), Params("name", "image1"))
	if err != nil || got != "image1" {
		t.Fatalf("invoke = %q, %v", got, err)
	}
}

func TestLocalProcedureNotFound(t *testing.T) {
	t.Parallel()
	d := New(Config{Layer: Server}, logx.Nop())
	_, err := Get[string](d, "jobs", "missing")(context.Background(), RequestInput{})
	if !errors.Is(err, ErrProcedureNotFound) {
		t.Fatalf("error = %v, want ErrProcedureNotFound", err)
	}
	if _, err := d.Call(context.Background(), Request{Module: "nope", Procedure: "x"}); !errors.Is(err, ErrProcedureNotFound) {
		t.Fatalf("Call error = %v, want ErrProcedureNotFound", err)
	}
}

func TestGetReportsOutputTypeMismatch(t *testing.T) {
	t.Parallel()
	d := New(Config{}, logx.Nop())
	if err := Add(d, "cluster", "clusters", func(context.Context, RequestInput) ([]string, error) {
		return []string{"a"}, nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := Get[int](d, "cluster", "clusters")(context.Background(), RequestInput{}); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("error = %v, want ErrTypeMismatch", err)
	}
}

func TestRequestInputBind(t *testing.T) {
	t.Parallel()
	type group struct {
		Cluster   string `json:"cluster"`
		Namespace string `json:"namespace"`
	}

	var g group
	if err := Params("cluster", "c1", "namespace", "ns", "cluster", "ignored").Bind(&g); err != nil {
		t.Fatalf("Bind params: %v", err)
	}
	if g.Cluster != "c1" || g.Namespace != "ns" {
		t.Fatalf("bound %+v", g)
	}

	in, err := Data(group{Cluster: "c2"})
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	var g2 group
	if err := in.Bind(&g2); err != nil || g2.Cluster != "c2" {
		t.Fatalf("Bind data = %+v, %v", g2, err)
	}

	bad := RequestInput{Data: []byte(`{"cluster": 5}`)}
	if err := bad.Bind(&g2); !errors.Is(err, ErrBadInput) {
		t.Fatalf("Bind mismatched data error = %v, want ErrBadInput", err)
	}
	if v, ok := Params("a", "1").Param("a"); !ok || v != "1" {
		t.Fatalf("Param(a) = %q, %v", v, ok)
	}
}

func TestPathDependsOnLayer(t *testing.T) {
	t.Parallel()
	d := New(Config{Layer: Client, Host: "rollout.internal", Port: 3000}, logx.Nop())
	if got := d.Path(Client); got != "http://rollout.internal:3000" {
		t.Fatalf("Path(Client) = %q", got)
	}
	if got := d.Path(Standalone); got != "" {
		t.Fatalf("Path(Standalone) = %q, want empty", got)
	}
}
