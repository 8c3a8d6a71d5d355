package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/metrics"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

var fixedNow = time.Date(2020, 8, 23, 10, 30, 0, 123456000, time.UTC)

func newTestRouter(store *registry.Store, opts ...Option) *Router {
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(store, append(base, opts...)...)
}

func mustRegister(t *testing.T, s *registry.Store, stage string, d registry.Descriptor) {
	t.Helper()
	if err := s.Register(stage, d); err != nil {
		t.Fatalf("Register(%q) returned error: %v", stage, err)
	}
}

func decode(t *testing.T, resp envelope.RouteResponse) envelope.Greeting {
	t.Helper()
	g, err := envelope.DecodeGreeting(resp.Body)
	if err != nil {
		t.Fatalf("decode body %q: %v", resp.Body, err)
	}
	return g
}

// blocking returns an invoker that waits for release, ignoring ctx.
func blocking(release <-chan struct{}, version string) target.Invoker {
	return target.InvokerFunc(func(ctx context.Context, inv target.Invocation) (*target.Result, error) {
		<-release
		return &target.Result{Version: version}, nil
	})
}

func TestRouteRegisteredStage(t *testing.T) {
	store := registry.New()
	mustRegister(t, store, "dev", registry.Descriptor{ID: "v1", Endpoint: &target.Greeter{}})
	r := newTestRouter(store)

	before := testutil.ToFloat64(metrics.RouteRequestsTotal.WithLabelValues("dev", "v1", "ok"))

	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200 (err %v)", resp.StatusCode, resp.Err)
	}
	g := decode(t, resp)
	if g.APIStage != "dev" {
		t.Errorf("api_stage = %q, want dev", g.APIStage)
	}
	if g.LambdaVersion != "v1" {
		t.Errorf("lambda_version = %q, want v1", g.LambdaVersion)
	}
	if g.Message != target.DefaultGreeting {
		t.Errorf("message = %q, want %q", g.Message, target.DefaultGreeting)
	}
	if g.TS != "2020-08-23 10:30:00.123456" {
		t.Errorf("ts = %q", g.TS)
	}
	if resp.Metadata["X-Target-Id"] != "v1" {
		t.Errorf("X-Target-Id = %q, want v1", resp.Metadata["X-Target-Id"])
	}

	after := testutil.ToFloat64(metrics.RouteRequestsTotal.WithLabelValues("dev", "v1", "ok"))
	if after-before != 1 {
		t.Errorf("ok counter increased by %v, want 1", after-before)
	}
}

func TestRouteReportsTargetVersion(t *testing.T) {
	store := registry.New()
	mustRegister(t, store, "prod", registry.Descriptor{ID: "prod", Endpoint: &target.Greeter{Version: "42", Message: "hey"}})

	g := decode(t, newTestRouter(store).Route(context.Background(), envelope.RouteRequest{Stage: "prod"}))
	if g.LambdaVersion != "42" || g.Message != "hey" {
		t.Errorf("greeting = %+v, want version 42 and message hey", g)
	}
}

func TestRouteUnresolvableStage(t *testing.T) {
	r := newTestRouter(registry.New())

	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "staging"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	var unresolvable *UnresolvableStageError
	if !errors.As(resp.Err, &unresolvable) {
		t.Fatalf("Err = %v, want *UnresolvableStageError", resp.Err)
	}
	if unresolvable.Stage != "staging" {
		t.Errorf("Stage = %q, want staging", unresolvable.Stage)
	}
}

func TestRouteFallbackStage(t *testing.T) {
	store := registry.New()
	r := newTestRouter(store)

	// Fallback not registered.
	resp := r.Route(context.Background(), envelope.RouteRequest{})
	var unresolvable *UnresolvableStageError
	if !errors.As(resp.Err, &unresolvable) || unresolvable.Stage != envelope.FallbackStage {
		t.Fatalf("Err = %v, want UnresolvableStageError for fallback", resp.Err)
	}

	mustRegister(t, store, envelope.FallbackStage, registry.Descriptor{ID: "default", Endpoint: &target.Greeter{}})
	resp = r.Route(context.Background(), envelope.RouteRequest{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	g := decode(t, resp)
	if g.APIStage != envelope.FallbackStage {
		t.Errorf("api_stage = %q, want %q", g.APIStage, envelope.FallbackStage)
	}
	if g.LambdaVersion != "default" {
		t.Errorf("lambda_version = %q, want default", g.LambdaVersion)
	}
}

type countingInvoker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvoker) Invoke(ctx context.Context, inv target.Invocation) (*target.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &target.Result{}, nil
}

func TestRouteInvalidStageNeverLooksUp(t *testing.T) {
	store := registry.New()
	inv := &countingInvoker{}
	// The sanitised form of the rejected stage is bound and must stay untouched.
	mustRegister(t, store, "bad", registry.Descriptor{Endpoint: inv})
	r := newTestRouter(store)

	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "bad/id!"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	var invalid *envelope.InvalidStageIdentifierError
	if !errors.As(resp.Err, &invalid) {
		t.Errorf("Err = %v, want *envelope.InvalidStageIdentifierError", resp.Err)
	}
	if inv.calls != 0 {
		t.Errorf("target invoked %d times, want 0", inv.calls)
	}
}

func TestRouteReRegisterResolvesToNewTarget(t *testing.T) {
	store := registry.New()
	r := newTestRouter(store)

	mustRegister(t, store, "prod", registry.Descriptor{ID: "A", Endpoint: &target.Greeter{}})
	if g := decode(t, r.Route(context.Background(), envelope.RouteRequest{Stage: "prod"})); g.LambdaVersion != "A" {
		t.Fatalf("first route version = %q, want A", g.LambdaVersion)
	}

	mustRegister(t, store, "prod", registry.Descriptor{ID: "B", Endpoint: &target.Greeter{}})
	if g := decode(t, r.Route(context.Background(), envelope.RouteRequest{Stage: "prod"})); g.LambdaVersion != "B" {
		t.Errorf("second route version = %q, want B", g.LambdaVersion)
	}
}

func TestRouteDeterministic(t *testing.T) {
	store := registry.New()
	mustRegister(t, store, "test", registry.Descriptor{ID: "t1", Endpoint: &target.Greeter{}})
	r := newTestRouter(store)

	for i := 0; i < 50; i++ {
		g := decode(t, r.Route(context.Background(), envelope.RouteRequest{Stage: "test"}))
		if g.LambdaVersion != "t1" {
			t.Fatalf("iteration %d resolved to %q, want t1", i, g.LambdaVersion)
		}
	}

	store.Unregister("test")
	if resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "test"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("after Unregister StatusCode = %d, want 404", resp.StatusCode)
	}
}

func TestRouteTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := registry.New()
	slow := target.InvokerFunc(func(ctx context.Context, inv target.Invocation) (*target.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	mustRegister(t, store, "dev", registry.Descriptor{ID: "slow", Endpoint: slow})
	r := newTestRouter(store, WithTimeout(50*time.Millisecond))

	start := time.Now()
	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("StatusCode = %d, want 504", resp.StatusCode)
	}
	var tErr *TargetInvocationError
	if !errors.As(resp.Err, &tErr) || !tErr.Timeout {
		t.Errorf("Err = %v, want timed-out *TargetInvocationError", resp.Err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Route took %v, want close to the 50ms timeout", elapsed)
	}
}

func TestRouteAbandonsTargetIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	store := registry.New()
	mustRegister(t, store, "dev", registry.Descriptor{ID: "stuck", Endpoint: blocking(release, "x"), Timeout: 30 * time.Millisecond})
	r := newTestRouter(store, WithTimeout(time.Hour))

	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	close(release)

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("StatusCode = %d, want 504 from descriptor timeout", resp.StatusCode)
	}
}

func TestRouteTargetError(t *testing.T) {
	store := registry.New()
	boom := errors.New("boom")
	mustRegister(t, store, "dev", registry.Descriptor{ID: "bad", Endpoint: target.InvokerFunc(
		func(ctx context.Context, inv target.Invocation) (*target.Result, error) { return nil, boom },
	)})
	r := newTestRouter(store)

	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
	if !errors.Is(resp.Err, boom) {
		t.Errorf("Err = %v, want wrapping boom", resp.Err)
	}
	if string(resp.Body) != `{"error":"target_invocation_failed","api_stage":"dev"}` {
		t.Errorf("Body = %s, want opaque marker only", resp.Body)
	}
}

func TestRouteRecoversTargetPanic(t *testing.T) {
	store := registry.New()
	mustRegister(t, store, "dev", registry.Descriptor{Endpoint: target.InvokerFunc(
		func(ctx context.Context, inv target.Invocation) (*target.Result, error) { panic("kaboom") },
	)})

	resp := newTestRouter(store).Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
}

func TestRouteNilResult(t *testing.T) {
	store := registry.New()
	mustRegister(t, store, "dev", registry.Descriptor{Endpoint: target.InvokerFunc(
		func(ctx context.Context, inv target.Invocation) (*target.Result, error) { return nil, nil },
	)})

	resp := newTestRouter(store).Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
}

func TestRouteThrottledTarget(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	hold := target.InvokerFunc(func(ctx context.Context, inv target.Invocation) (*target.Result, error) {
		entered <- struct{}{}
		<-release
		return &target.Result{}, nil
	})

	store := registry.New()
	mustRegister(t, store, "dev", registry.Descriptor{ID: "r1", Endpoint: target.Limit(hold, 1)})
	r := newTestRouter(store)

	first := make(chan envelope.RouteResponse, 1)
	go func() { first <- r.Route(context.Background(), envelope.RouteRequest{Stage: "dev"}) }()
	<-entered

	resp := r.Route(context.Background(), envelope.RouteRequest{Stage: "dev"})
	close(release)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), `"target_throttled"`) {
		t.Errorf("Body = %s, want target_throttled marker", resp.Body)
	}
	if !errors.Is(resp.Err, target.ErrThrottled) {
		t.Errorf("Err = %v, want ErrThrottled", resp.Err)
	}
	if got := <-first; got.StatusCode != http.StatusOK {
		t.Errorf("first call StatusCode = %d, want 200", got.StatusCode)
	}
}

func TestRouteConcurrentStagesAreIsolated(t *testing.T) {
	store := registry.New()
	stages := []string{"dev", "test", "prod"}
	for _, stage := range stages {
		stage := stage
		mustRegister(t, store, stage, registry.Descriptor{ID: stage + "-alias", Endpoint: target.InvokerFunc(
			func(ctx context.Context, inv target.Invocation) (*target.Result, error) {
				if inv.Stage != stage {
					return nil, fmt.Errorf("target for %s received stage %s", stage, inv.Stage)
				}
				time.Sleep(time.Millisecond)
				return &target.Result{Message: "from " + stage}, nil
			},
		)})
	}
	r := newTestRouter(store)

	var wg sync.WaitGroup
	errs := make(chan error, 300)
	for i := 0; i < 300; i++ {
		stage := stages[i%len(stages)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := r.Route(context.Background(), envelope.RouteRequest{Stage: stage})
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("stage %s: status %d: %v", stage, resp.StatusCode, resp.Err)
				return
			}
			g, err := envelope.DecodeGreeting(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if g.APIStage != stage || g.LambdaVersion != stage+"-alias" || g.Message != "from "+stage {
				errs <- fmt.Errorf("stage %s got %+v", stage, g)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestRouteInFlightKeepsOldDescriptor(t *testing.T) {
	release := make(chan struct{})
	store := registry.New()
	mustRegister(t, store, "prod", registry.Descriptor{ID: "A", Endpoint: blocking(release, "")})
	r := newTestRouter(store)

	inflight := make(chan envelope.RouteResponse, 1)
	go func() { inflight <- r.Route(context.Background(), envelope.RouteRequest{Stage: "prod"}) }()

	// Give the in-flight call time to look up A.
	time.Sleep(20 * time.Millisecond)
	mustRegister(t, store, "prod", registry.Descriptor{ID: "B", Endpoint: &target.Greeter{}})
	close(release)

	if g := decode(t, <-inflight); g.LambdaVersion != "A" {
		t.Errorf("in-flight route version = %q, want A", g.LambdaVersion)
	}
	if g := decode(t, r.Route(context.Background(), envelope.RouteRequest{Stage: "prod"})); g.LambdaVersion != "B" {
		t.Errorf("next route version = %q, want B", g.LambdaVersion)
	}
}

func TestRoutePassesPayloadAndMetadata(t *testing.T) {
	store := registry.New()
	var got target.Invocation
	mustRegister(t, store, "dev", registry.Descriptor{Endpoint: target.InvokerFunc(
		func(ctx context.Context, inv target.Invocation) (*target.Result, error) {
			got = inv
			return &target.Result{Metadata: map[string]string{"X-Extra": "1"}}, nil
		},
	)})

	resp := newTestRouter(store).Route(context.Background(), envelope.RouteRequest{
		Stage:          "dev",
		StageVariables: map[string]string{"lambdaAlias": "dev"},
		Payload:        []byte("ping"),
		Metadata:       map[string]string{"InvocationType": "Event"},
	})
	if string(got.Payload) != "ping" || got.Metadata["InvocationType"] != "Event" || got.StageVariables["lambdaAlias"] != "dev" {
		t.Errorf("invocation = %+v", got)
	}
	if resp.Metadata["X-Extra"] != "1" {
		t.Errorf("target metadata not propagated: %v", resp.Metadata)
	}
}
