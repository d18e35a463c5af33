package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "rollout/pkg/logx"
)

// Config is resolved once at startup and never changes afterwards.
type Config struct {
	Layer   Layer
	Host    string
	Port    int
	Scheme  string        // default "http"
	Timeout time.Duration // remote call timeout; default 30s
}

// Key identifies a procedure.
type Key struct {
	Module    string `json:"module"`
	Procedure string `json:"procedure"`
}

func (k Key) String() string { return k.Module + "." + k.Procedure }

// Request is one call: the target procedure and its input.
type Request struct {
	Module    string       `json:"module"`
	Procedure string       `json:"procedure"`
	Input     RequestInput `json:"input"`
}

func (r Request) key() Key { return Key{Module: r.Module, Procedure: r.Procedure} }

// Invoker calls one procedure and decodes its output.
type Invoker[Out any] func(ctx context.Context, in RequestInput) (Out, error)

// Observer receives the outcome of every call; used for metrics.
type Observer interface {
	ObserveCall(key Key, route, outcome string, took time.Duration)
}

type procedure struct {
	key    Key
	in     reflect.Type
	out    reflect.Type
	invoke func(ctx context.Context, in RequestInput) (any, error)
}

type errorKind struct {
	kind     string
	status   int
	sentinel error
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.http = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.obs = o }
}

// Dispatcher holds the procedure table of one process.
type Dispatcher struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	obs  Observer

	mu    sync.RWMutex
	procs map[Key]*procedure
	kinds []errorKind
}

func New(cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Layer == "" {
		cfg.Layer = Standalone
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:   cfg,
		log:   log,
		http:  &http.Client{},
		procs: map[Key]*procedure{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.RegisterErrorKind(KindProcedureNotFound, http.StatusNotFound, ErrProcedureNotFound)
	d.RegisterErrorKind(KindBadInput, http.StatusBadRequest, ErrBadInput)
	return d
}

func (d *Dispatcher) Layer() Layer { return d.cfg.Layer }

// Path is the base URL remote calls are sent to. Standalone has none.
func (d *Dispatcher) Path(layer Layer) string {
	if layer == Standalone {
		return ""
	}
	host := d.cfg.Host
	if host == "" {
		host = "localhost"
	}
	return d.cfg.Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(d.cfg.Port))
}

// RegisterErrorKind maps a sentinel error to a kind and HTTP status so that a
// Client can turn a remote failure back into an error matching sentinel.
func (d *Dispatcher) RegisterErrorKind(kind string, status int, sentinel error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.kinds {
		if d.kinds[i].kind == kind {
			d.kinds[i] = errorKind{kind: kind, status: status, sentinel: sentinel}
			return
		}
	}
	d.kinds = append(d.kinds, errorKind{kind: kind, status: status, sentinel: sentinel})
}

func (d *Dispatcher) classify(err error) (kind string, status int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, k := range d.kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind, k.status
		}
	}
	return KindInternal, http.StatusInternalServerError
}

func (d *Dispatcher) sentinel(kind string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, k := range d.kinds {
		if k.kind == kind {
			return k.sentinel
		}
	}
	return nil
}

var requestInputType = reflect.TypeOf(RequestInput{})

// Add registers h for (module, procedure). A second registration of the same
// pair is rejected with ErrDuplicate; the first handler stays in place.
//
// In must be RequestInput, a struct, a map or a pointer to a struct. Any other
// input shape is rejected here rather than at call time.
func Add[In, Out any](d *Dispatcher, module, proc string, h func(ctx context.Context, in In) (Out, error)) error {
	key := Key{Module: strings.TrimSpace(module), Procedure: strings.TrimSpace(proc)}
	if key.Module == "" || key.Procedure == "" {
		return fmt.Errorf("dispatch: module and procedure required")
	}
	if h == nil {
		return fmt.Errorf("dispatch: %s: nil handler", key)
	}
	inT := reflect.TypeOf((*In)(nil)).Elem()
	if !bindable(inT) {
		return fmt.Errorf("%w: %s takes %s", ErrBadHandler, key, inT)
	}
	p := &procedure{
		key: key,
		in:  inT,
		out: reflect.TypeOf((*Out)(nil)).Elem(),
		invoke: func(ctx context.Context, raw RequestInput) (any, error) {
			in, err := bindInput[In](inT, raw)
			if err != nil {
				return nil, err
			}
			return h(ctx, in)
		},
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.procs[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	d.procs[key] = p
	d.log.Debug("procedure registered", logx.String("procedure", key.String()), logx.String("in", inT.String()), logx.String("out", p.out.String()))
	return nil
}

// bindInput hands an in-process Value to the handler as is and decodes
// parameters or a data payload otherwise.
func bindInput[In any](inT reflect.Type, raw RequestInput) (In, error) {
	var in In
	if inT == requestInputType {
		return any(raw).(In), nil
	}
	if raw.Value != nil {
		dst := reflect.ValueOf(&in).Elem()
		v := reflect.ValueOf(raw.Value)
		switch {
		case v.Type().AssignableTo(inT):
			dst.Set(v)
		case inT.Kind() == reflect.Pointer && v.Type().AssignableTo(inT.Elem()):
			ptr := reflect.New(inT.Elem())
			ptr.Elem().Set(v)
			dst.Set(ptr)
		case v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Type().AssignableTo(inT):
			dst.Set(v.Elem())
		default:
			return in, fmt.Errorf("%w: got %s, want %s", ErrBadInput, v.Type(), inT)
		}
		return in, nil
	}
	if inT.Kind() == reflect.Pointer {
		in = reflect.New(inT.Elem()).Interface().(In)
		return in, raw.Bind(in)
	}
	return in, raw.Bind(&in)
}

func bindable(t reflect.Type) bool {
	if t == requestInputType {
		return true
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map:
		return true
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct
	}
	return false
}

// Get returns an invoker for (module, procedure). The handler is looked up
// when the invoker runs, so Get may be called before registration.
func Get[Out any](d *Dispatcher, module, procedure string) Invoker[Out] {
	key := Key{Module: module, Procedure: procedure}
	return func(ctx context.Context, in RequestInput) (Out, error) {
		var zero Out
		if !d.cfg.Layer.Local() {
			var out Out
			if err := d.remote(ctx, Request{Module: module, Procedure: procedure, Input: in}, &out); err != nil {
				return zero, err
			}
			return out, nil
		}

		v, err := d.call(ctx, key, in)
		if err != nil {
			return zero, err
		}
		if v == nil {
			return zero, nil
		}
		out, ok := v.(Out)
		if !ok {
			return zero, fmt.Errorf("%w: %s returned %T", ErrTypeMismatch, key, v)
		}
		return out, nil
	}
}

// Call resolves req to a local handler and runs it, whatever the layer.
// The server side uses it for inbound requests.
func (d *Dispatcher) Call(ctx context.Context, req Request) (any, error) {
	return d.call(ctx, req.key(), req.Input)
}

func (d *Dispatcher) call(ctx context.Context, key Key, in RequestInput) (out any, err error) {
	d.mu.RLock()
	p, ok := d.procs[key]
	d.mu.RUnlock()
	if !ok {
		d.observe(key, "local", outcome(ErrProcedureNotFound), 0)
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, key)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("procedure %s panic: %v", key, rec)
			d.log.Error("procedure panic", logx.String("procedure", key.String()), logx.Any("panic", rec))
		}
		d.observe(key, "local", outcome(err), time.Since(start))
	}()
	return p.invoke(ctx, in)
}

// Procedures lists every registered pair, sorted.
func (d *Dispatcher) Procedures() []Key {
	d.mu.RLock()
	out := make([]Key, 0, len(d.procs))
	for k := range d.procs {
		out = append(out, k)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Procedure < out[j].Procedure
	})
	return out
}

func (d *Dispatcher) observe(key Key, route, result string, took time.Duration) {
	if d.obs != nil {
		d.obs.ObserveCall(key, route, result, took)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProcedureNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
