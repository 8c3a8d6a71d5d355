// Command greeter-lambda is the greeter function packaged for AWS Lambda. It is
// deployed behind API Gateway stages that set the lambdaAlias stage variable,
// and routes each proxy event to the greeter registered for that alias.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/router"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	aliases := strings.Split(envOrDefault("STAGE_ALIASES", "dev,test,prod"), ",")
	stageVar := envOrDefault("STAGE_VARIABLE", envelope.DefaultStageVariable)

	rt, err := newRouter(aliases, lambdacontext.FunctionVersion, logger)
	if err != nil {
		logger.Error("unable to register stages", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler(rt, stageVar, logger))
}

// newRouter registers one greeter per alias plus the fallback target.
func newRouter(aliases []string, version string, logger *slog.Logger) (*router.Router, error) {
	if version == "" {
		version = "$LATEST"
	}
	store := registry.New()
	stages := append([]string{envelope.FallbackStage}, aliases...)
	for _, alias := range stages {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		g := target.GreeterFromEnv(version)
		g.Logger = logger
		if err := store.Register(alias, registry.Descriptor{ID: alias, Endpoint: g, Source: "lambda"}); err != nil {
			return nil, err
		}
	}
	return router.New(store, router.WithLogger(logger)), nil
}

type proxyHandler func(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

func handler(rt *router.Router, stageVar string, logger *slog.Logger) proxyHandler {
	return func(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		req, err := envelope.FromProxyRequest(ev, stageVar)
		if err != nil {
			logger.Error("malformed proxy event", "error", err)
			return envelope.JSON(http.StatusBadRequest, envelope.ErrorBody{Error: "malformed_request"}, err).ToProxyResponse(), nil
		}
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			req.Metadata["awsRequestId"] = lc.AwsRequestID
		}

		resp := rt.Route(ctx, req)
		logger.Info("request routed",
			"stage", req.Stage,
			"status", resp.StatusCode,
			"path", ev.Path,
		)
		return resp.ToProxyResponse(), nil
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
