package rabbitmq

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-rpc-core/internal/util"
)

const (
	// DefaultRpcTimeout bounds a GetRequest call that does not set its own timeout.
	DefaultRpcTimeout = 30 * time.Second

	// DefaultPollInterval is the longest a waiter goes without checking its
	// owner for fatal errors.
	DefaultPollInterval = 10 * time.Millisecond
)

// CorrelationID links one outgoing command to its eventual reply
type CorrelationID string

// Frame is a decoded inbound method frame
type Frame interface {
	Name() string
	Fields() map[string]any
}

// ErrorChecker is implemented by the entity an Rpc waits on behalf of.
// A non-nil error aborts every waiter.
type ErrorChecker interface {
	CheckForErrors() error
}

// Clock supplies the current time for timeout measurement
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Response is a resolved RPC reply. Frame is set for raw lookups, Fields
// otherwise.
type Response struct {
	Name   string
	Frame  Frame
	Fields map[string]any
}

// GetOptions controls a single GetRequest call
type GetOptions struct {
	// Raw returns the frame itself instead of its field view
	Raw bool
	// AutoRemove purges the request once the reply is returned
	AutoRemove bool
	// Timeout overrides the Rpc default when positive
	Timeout time.Duration
}

type pendingRequest struct {
	expected   []string
	slot       *util.BlockingCell[Frame]
	registered time.Time
	completed  sync.Once
}

func (p *pendingRequest) label() string {
	return strings.Join(p.expected, "|")
}

// Rpc correlates outgoing commands with the reply frames the reader
// goroutine delivers through OnFrame.
//
// Each expected reply name maps to the most recently registered id only.
// Callers that may issue overlapping commands expecting the same reply
// name must hold Lock across register, send and wait.
type Rpc struct {
	adapter  ErrorChecker
	clock    Clock
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
	metrics  MetricsCollector

	// advisory lock for callers; never taken internally
	lock sync.Mutex

	mu      sync.Mutex
	pending map[CorrelationID]*pendingRequest
	index   map[string]CorrelationID
}

// RpcOption configures an Rpc
type RpcOption func(*Rpc)

// RpcClock replaces the wall clock used for timeouts
func RpcClock(clock Clock) RpcOption {
	return func(r *Rpc) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// RpcTimeout sets the default GetRequest timeout
func RpcTimeout(timeout time.Duration) RpcOption {
	return func(r *Rpc) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// RpcPollInterval sets how often waiters re-check for fatal errors
func RpcPollInterval(interval time.Duration) RpcOption {
	return func(r *Rpc) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// RpcLogger sets the logger
func RpcLogger(logger zerolog.Logger) RpcOption {
	return func(r *Rpc) {
		r.logger = logger
	}
}

// RpcMetrics sets the metrics collector
func RpcMetrics(metrics MetricsCollector) RpcOption {
	return func(r *Rpc) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// NewRpc creates a correlator that consults adapter for fatal errors
func NewRpc(adapter ErrorChecker, opts ...RpcOption) *Rpc {
	r := &Rpc{
		adapter:  adapter,
		clock:    systemClock{},
		timeout:  DefaultRpcTimeout,
		interval: DefaultPollInterval,
		logger:   zerolog.Nop(),
		metrics:  NewNoOpMetricsCollector(),
		pending:  make(map[CorrelationID]*pendingRequest),
		index:    make(map[string]CorrelationID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock acquires the advisory lock
func (r *Rpc) Lock() {
	r.lock.Lock()
}

// Unlock releases the advisory lock
func (r *Rpc) Unlock() {
	r.lock.Unlock()
}

// RegisterRequest registers interest in any of the given reply names and
// returns the id to wait on. A name already claimed by a pending request is
// taken over by the new one.
func (r *Rpc) RegisterRequest(names ...string) CorrelationID {
	id := CorrelationID(uuid.NewString())
	expected := slices.Clone(names)
	slices.Sort(expected)
	req := &pendingRequest{
		expected:   slices.Compact(expected),
		slot:       util.NewBlockingCell[Frame](),
		registered: r.clock.Now(),
	}

	r.mu.Lock()
	r.pending[id] = req
	for _, name := range req.expected {
		if prev, ok := r.index[name]; ok && prev != id {
			r.logger.Debug().
				Str("name", name).
				Str("superseded", string(prev)).
				Str("id", string(id)).
				Msg("reply name taken over by newer request")
		}
		r.index[name] = id
	}
	r.mu.Unlock()

	r.metrics.RpcRegistered()
	return id
}

// OnFrame offers an inbound frame to the pending requests. It returns false
// when no request is waiting for a frame of that name.
func (r *Rpc) OnFrame(f Frame) bool {
	name := f.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.index[name]
	if !ok {
		return false
	}
	req, ok := r.pending[id]
	if !ok {
		// response slot already removed; drop the dangling entry
		r.removeRequestLocked(id)
		return false
	}
	if err := req.slot.Set(f); err != nil {
		r.logger.Warn().Str("name", name).Str("id", string(id)).Msg("duplicate reply ignored")
	}
	r.removeRequestLocked(id)
	return true
}

// GetRequest waits for the reply to id.
//
// It returns (nil, nil) when id is unknown or already consumed. A fatal
// error reported by the adapter is returned unchanged and leaves the request
// registered. On timeout or context cancellation every trace of id is
// removed before returning.
func (r *Rpc) GetRequest(ctx context.Context, id CorrelationID, opts GetOptions) (*Response, error) {
	r.mu.Lock()
	req, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	start := r.clock.Now()
	for {
		if err := r.adapter.CheckForErrors(); err != nil {
			return nil, err
		}

		if f, ok := req.slot.Peek(); ok {
			if opts.AutoRemove {
				r.Remove(id)
			}
			req.completed.Do(func() {
				r.metrics.RpcCompleted(req.label(), r.clock.Now().Sub(req.registered))
			})
			return newResponse(f, opts.Raw), nil
		}

		if elapsed := r.clock.Now().Sub(start); elapsed > timeout {
			r.Remove(id)
			r.metrics.RpcTimedOut(req.label())
			r.logger.Warn().
				Str("id", string(id)).
				Strs("expected", req.expected).
				Dur("timeout", timeout).
				Msg("rpc request timed out")
			return nil, &RpcTimeoutError{ID: id, Expected: slices.Clone(req.expected), Timeout: timeout}
		}

		select {
		case <-req.slot.Done():
		case <-ticker.C:
		case <-ctx.Done():
			r.Remove(id)
			return nil, ctx.Err()
		}
	}
}

func newResponse(f Frame, raw bool) *Response {
	resp := &Response{Name: f.Name()}
	if raw {
		resp.Frame = f
	} else {
		resp.Fields = maps.Clone(f.Fields())
	}
	return resp
}

// Remove purges every trace of id. Unknown ids are ignored.
func (r *Rpc) Remove(id CorrelationID) {
	r.mu.Lock()
	r.removeRequestLocked(id)
	delete(r.pending, id)
	r.mu.Unlock()
}

// RemoveRequest drops the reply-name entries that point at id
func (r *Rpc) RemoveRequest(id CorrelationID) {
	r.mu.Lock()
	r.removeRequestLocked(id)
	r.mu.Unlock()
}

// RemoveResponse drops the response slot for id
func (r *Rpc) RemoveResponse(id CorrelationID) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Rpc) removeRequestLocked(id CorrelationID) {
	maps.DeleteFunc(r.index, func(_ string, v CorrelationID) bool {
		return v == id
	})
}

// Pending returns the number of requests with a live response slot
func (r *Rpc) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Waiting returns the reply names currently claimed by id, sorted
func (r *Rpc) Waiting(id CorrelationID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, v := range r.index {
		if v == id {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
