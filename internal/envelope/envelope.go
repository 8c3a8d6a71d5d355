package envelope

import (
	"encoding/json"
	"fmt"
)

// FallbackStage is the stage used when a request carries no stage identifier.
const FallbackStage = "NO-STAGE-VARIABLE-DEFINED"

// DefaultStageVariable is the stage variable that names the target alias.
const DefaultStageVariable = "lambdaAlias"

// TimestampLayout formats the "ts" field of a greeting.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// RouteRequest is a single inbound unit of work.
type RouteRequest struct {
	// Stage is the requested stage identifier. Empty means no stage was supplied.
	Stage string

	// StageVariables are the variables of the deployment stage the request arrived on.
	StageVariables map[string]string

	Payload  []byte
	Metadata map[string]string
}

// RouteResponse is the result of routing a RouteRequest.
type RouteResponse struct {
	StatusCode int
	Body       []byte
	Metadata   map[string]string

	// Err is the error behind a non-2xx response. It is never serialised.
	Err error `json:"-"`
}

// Greeting is the body of a successful route.
type Greeting struct {
	Message       string `json:"message"`
	APIStage      string `json:"api_stage"`
	LambdaVersion string `json:"lambda_version"`
	TS            string `json:"ts"`
}

// ErrorBody is the body of a failed route. Error is an opaque marker.
type ErrorBody struct {
	Error    string `json:"error"`
	APIStage string `json:"api_stage,omitempty"`
}

// Validate checks the request at the boundary, before any lookup.
func (r RouteRequest) Validate() error {
	if r.Stage == "" {
		return nil
	}
	return ValidateStage(r.Stage)
}

// ValidateStage checks that stage is non-empty and only contains
// alphanumerics, hyphens and underscores.
func ValidateStage(stage string) error {
	if stage == "" {
		return &InvalidStageIdentifierError{Stage: stage, Reason: "empty"}
	}
	for i := 0; i < len(stage); i++ {
		c := stage[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return &InvalidStageIdentifierError{Stage: stage, Reason: fmt.Sprintf("character %q at offset %d", c, i)}
		}
	}
	return nil
}

// JSON builds a response with a JSON-encoded body.
func JSON(status int, v any, err error) RouteResponse {
	body, mErr := json.Marshal(v)
	if mErr != nil {
		body = []byte(`{"error":"internal"}`)
		status = 500
		if err == nil {
			err = mErr
		}
	}
	return RouteResponse{
		StatusCode: status,
		Body:       body,
		Metadata:   map[string]string{"Content-Type": "application/json"},
		Err:        err,
	}
}

// DecodeGreeting parses a successful response body.
func DecodeGreeting(body []byte) (Greeting, error) {
	var g Greeting
	if err := json.Unmarshal(body, &g); err != nil {
		return Greeting{}, fmt.Errorf("decode greeting: %w", err)
	}
	return g, nil
}
