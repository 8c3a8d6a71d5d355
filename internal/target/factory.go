package target

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// Kinds of backend target.
const (
	KindGreeter = "greeter"
	KindHTTP    = "http"
	KindLambda  = "lambda"
)

// Spec describes a backend target independently of where it was declared.
type Spec struct {
	Kind         string
	Version      string
	URL          string
	FunctionName string
	Qualifier    string
	Message      string

	// ReservedConcurrency caps concurrent invocations. Zero means unlimited.
	ReservedConcurrency int
}

// Factory builds invokers from specs and owns the clients they share.
type Factory struct {
	HTTPClient    *http.Client
	StageVariable string
	Logger        *slog.Logger

	// NewLambdaClient overrides how the Lambda client is created.
	NewLambdaClient func(ctx context.Context) (LambdaAPI, error)

	lambdaOnce   sync.Once
	lambdaClient LambdaAPI
	lambdaErr    error
}

// NewFactory returns a Factory with a shared HTTP client.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// Build returns the invoker described by spec.
func (f *Factory) Build(ctx context.Context, spec Spec) (Invoker, error) {
	var inv Invoker
	switch spec.Kind {
	case "", KindGreeter:
		g := GreeterFromEnv(spec.Version)
		if spec.Message != "" {
			g.Message = spec.Message
		}
		g.Logger = f.Logger
		inv = g
	case KindHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("http target requires a url")
		}
		inv = &HTTPInvoker{URL: spec.URL, Version: spec.Version, Client: f.HTTPClient}
	case KindLambda:
		if spec.FunctionName == "" {
			return nil, fmt.Errorf("lambda target requires a functionName")
		}
		client, err := f.lambda(ctx)
		if err != nil {
			return nil, err
		}
		inv = &LambdaInvoker{
			Client:        client,
			FunctionName:  spec.FunctionName,
			Qualifier:     spec.Qualifier,
			StageVariable: f.StageVariable,
		}
	default:
		return nil, fmt.Errorf("unknown target kind %q", spec.Kind)
	}
	return Limit(inv, spec.ReservedConcurrency), nil
}

// Close releases idle connections held by the shared HTTP client.
func (f *Factory) Close() {
	if f.HTTPClient != nil {
		f.HTTPClient.CloseIdleConnections()
	}
}

func (f *Factory) lambda(ctx context.Context) (LambdaAPI, error) {
	f.lambdaOnce.Do(func() {
		if f.NewLambdaClient != nil {
			f.lambdaClient, f.lambdaErr = f.NewLambdaClient(ctx)
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			f.lambdaErr = fmt.Errorf("load AWS config: %w", err)
			return
		}
		f.lambdaClient = lambda.NewFromConfig(cfg)
	})
	return f.lambdaClient, f.lambdaErr
}
