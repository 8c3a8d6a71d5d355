package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/metrics"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

// DefaultTimeout bounds a single target invocation.
const DefaultTimeout = 15 * time.Second

// Error markers returned in failed response bodies.
const (
	markerInvalidStage   = "invalid_stage_identifier"
	markerUnresolvable   = "unresolvable_stage"
	markerTargetFailed   = "target_invocation_failed"
	markerTargetTimeout  = "target_timeout"
	markerTargetThrottle = "target_throttled"
)

// Router resolves a request's stage to a registered target and invokes it.
type Router struct {
	store    *registry.Store
	timeout  time.Duration
	greeting string
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout sets the default invoke timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithGreeting sets the message used when a target returns none.
func WithGreeting(msg string) Option {
	return func(r *Router) {
		if msg != "" {
			r.greeting = msg
		}
	}
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Router over store.
func New(store *registry.Store, opts ...Option) *Router {
	r := &Router{
		store:    store,
		timeout:  DefaultTimeout,
		greeting: target.DefaultGreeting,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves req to a target and returns its response. Every failure is
// converted into a response; Route never panics on a per-request error.
func (r *Router) Route(ctx context.Context, req envelope.RouteRequest) envelope.RouteResponse {
	if err := req.Validate(); err != nil {
		r.logger.Warn("rejected stage identifier", "error", err)
		metrics.RouteRequestsTotal.WithLabelValues("", "", "invalid_stage").Inc()
		return envelope.JSON(http.StatusBadRequest, envelope.ErrorBody{Error: markerInvalidStage}, err)
	}

	stage := req.Stage
	if stage == "" {
		stage = envelope.FallbackStage
	}

	d, ok := r.store.Lookup(stage)
	if !ok {
		err := &UnresolvableStageError{Stage: stage}
		r.logger.Info("no target registered for stage", "stage", stage)
		metrics.RouteRequestsTotal.WithLabelValues("", "", "unresolvable").Inc()
		return envelope.JSON(http.StatusNotFound, envelope.ErrorBody{Error: markerUnresolvable, APIStage: stage}, err)
	}

	start := time.Now()
	res, err := r.invoke(ctx, stage, d, req)
	metrics.TargetInvocationDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if err != nil {
		return r.failure(stage, d, err)
	}

	msg := res.Message
	if msg == "" {
		msg = r.greeting
	}
	version := res.Version
	if version == "" {
		version = d.ID
	}

	resp := envelope.JSON(http.StatusOK, envelope.Greeting{
		Message:       msg,
		APIStage:      stage,
		LambdaVersion: version,
		TS:            r.now().Format(envelope.TimestampLayout),
	}, nil)
	for k, v := range res.Metadata {
		resp.Metadata[k] = v
	}
	resp.Metadata["X-Target-Id"] = d.ID

	metrics.RouteRequestsTotal.WithLabelValues(stage, d.ID, "ok").Inc()
	r.logger.Debug("routed", "stage", stage, "target", d.ID, "version", version, "duration", time.Since(start))
	return resp
}

type outcome struct {
	res *target.Result
	err error
}

// invoke runs the target in its own goroutine so that a target ignoring ctx
// is abandoned once the deadline passes.
func (r *Router) invoke(ctx context.Context, stage string, d registry.Descriptor, req envelope.RouteRequest) (*target.Result, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := target.Invocation{
		Stage:          stage,
		StageVariables: req.StageVariables,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("target panicked: %v", p)}
			}
		}()
		res, err := d.Endpoint.Invoke(ctx, inv)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.res == nil {
			return nil, errors.New("target returned no result")
		}
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) failure(stage string, d registry.Descriptor, err error) envelope.RouteResponse {
	tErr := &TargetInvocationError{
		Stage:    stage,
		TargetID: d.ID,
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Err:      err,
	}

	status, marker, label := http.StatusBadGateway, markerTargetFailed, "target_error"
	switch {
	case tErr.Timeout:
		status, marker, label = http.StatusGatewayTimeout, markerTargetTimeout, "timeout"
	case errors.Is(err, target.ErrThrottled):
		status, marker, label = http.StatusServiceUnavailable, markerTargetThrottle, "throttled"
	}

	r.logger.Error("target invocation failed", "stage", stage, "target", d.ID, "outcome", label, "error", err)
	metrics.RouteRequestsTotal.WithLabelValues(stage, d.ID, label).Inc()

	resp := envelope.JSON(status, envelope.ErrorBody{Error: marker, APIStage: stage}, tErr)
	resp.Metadata["X-Target-Id"] = d.ID
	return resp
}
