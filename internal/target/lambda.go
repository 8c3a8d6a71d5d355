package target

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
)

// LambdaAPI is the subset of the Lambda client used by LambdaInvoker.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvoker invokes a function alias with an API Gateway proxy event,
// the way a stage-variable integration URI does.
type LambdaInvoker struct {
	Client        LambdaAPI
	FunctionName  string
	Qualifier     string
	StageVariable string
}

// Invoke implements Invoker.
func (l *LambdaInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	ev := envelope.ToProxyRequest(envelope.RouteRequest{
		Stage:          inv.Stage,
		StageVariables: inv.StageVariables,
		Payload:        inv.Payload,
		Metadata:       inv.Metadata,
	}, l.StageVariable)

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal proxy event: %w", err)
	}

	in := &lambda.InvokeInput{
		FunctionName:   aws.String(l.FunctionName),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	}
	if l.Qualifier != "" {
		in.Qualifier = aws.String(l.Qualifier)
	}

	out, err := l.Client.Invoke(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("invoke %s:%s: %w", l.FunctionName, l.Qualifier, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("function %s:%s failed: %s: %s", l.FunctionName, l.Qualifier, aws.ToString(out.FunctionError), string(out.Payload))
	}

	var proxy events.APIGatewayProxyResponse
	if err := json.Unmarshal(out.Payload, &proxy); err != nil {
		return nil, fmt.Errorf("unmarshal proxy response: %w", err)
	}
	if proxy.StatusCode < 200 || proxy.StatusCode > 299 {
		return nil, fmt.Errorf("function %s:%s returned status %d", l.FunctionName, l.Qualifier, proxy.StatusCode)
	}

	g, err := envelope.DecodeGreeting([]byte(proxy.Body))
	if err != nil {
		return nil, err
	}

	version := g.LambdaVersion
	if version == "" {
		version = aws.ToString(out.ExecutedVersion)
	}
	return &Result{
		Message:  g.Message,
		Version:  version,
		Metadata: proxy.Headers,
	}, nil
}
