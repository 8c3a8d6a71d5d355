package envelope

import (
	"encoding/base64"

	"github.com/aws/aws-lambda-go/events"
)

// FromProxyRequest converts an API Gateway proxy event into a RouteRequest.
// The stage is taken from the stage variable named stageVariable.
func FromProxyRequest(ev events.APIGatewayProxyRequest, stageVariable string) (RouteRequest, error) {
	if stageVariable == "" {
		stageVariable = DefaultStageVariable
	}

	payload := []byte(ev.Body)
	if ev.IsBase64Encoded && ev.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return RouteRequest{}, err
		}
		payload = decoded
	}

	md := make(map[string]string, len(ev.Headers)+3)
	for k, v := range ev.Headers {
		md[k] = v
	}
	md["path"] = ev.Path
	md["method"] = ev.HTTPMethod
	if ev.RequestContext.RequestID != "" {
		md["requestId"] = ev.RequestContext.RequestID
	}

	return RouteRequest{
		Stage:          ev.StageVariables[stageVariable],
		StageVariables: ev.StageVariables,
		Payload:        payload,
		Metadata:       md,
	}, nil
}

// ToProxyRequest builds the proxy event a Lambda target receives for req.
func ToProxyRequest(req RouteRequest, stageVariable string) events.APIGatewayProxyRequest {
	if stageVariable == "" {
		stageVariable = DefaultStageVariable
	}

	vars := make(map[string]string, len(req.StageVariables)+1)
	for k, v := range req.StageVariables {
		vars[k] = v
	}
	if req.Stage != "" {
		vars[stageVariable] = req.Stage
	}

	headers := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		headers[k] = v
	}

	return events.APIGatewayProxyRequest{
		Path:           req.Metadata["path"],
		HTTPMethod:     req.Metadata["method"],
		Headers:        headers,
		StageVariables: vars,
		Body:           string(req.Payload),
	}
}

// ToProxyResponse converts a RouteResponse into an API Gateway proxy response.
func (r RouteResponse) ToProxyResponse() events.APIGatewayProxyResponse {
	headers := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		headers[k] = v
	}
	return events.APIGatewayProxyResponse{
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       string(r.Body),
	}
}
