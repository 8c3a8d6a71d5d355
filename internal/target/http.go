package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 1 << 20

// skipHeaders are never copied from invocation metadata onto a backend request.
// Hop-by-hop headers belong to the inbound connection, and a caller-supplied
// Accept-Encoding disables the transport's transparent decompression.
var skipHeaders = map[string]bool{
	"Accept-Encoding":     true,
	"Connection":          true,
	"Content-Length":      true,
	"Host":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// forwardable reports whether a metadata key may be sent as a backend header.
func forwardable(key string) bool {
	if key == "" || strings.ContainsAny(key, " :") {
		return false
	}
	return !skipHeaders[http.CanonicalHeaderKey(key)]
}

// HTTPInvoker posts the invocation payload to a backend URL and decodes
// a greeting from the response.
type HTTPInvoker struct {
	URL     string
	Version string
	Client  *http.Client
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(inv.Payload))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	for k, v := range inv.Metadata {
		if forwardable(k) {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Stage", inv.Stage)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST to backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var g envelope.Greeting
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("unmarshal backend response: %w", err)
	}

	version := g.LambdaVersion
	if version == "" {
		version = h.Version
	}
	return &Result{
		Message:  g.Message,
		Version:  version,
		Metadata: map[string]string{"X-Backend-Url": h.URL},
	}, nil
}
