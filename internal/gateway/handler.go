package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/razvanmacovei/stagevar-gateway/internal/config"
	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/metrics"
	"github.com/razvanmacovei/stagevar-gateway/internal/router"
)

// maxBodyBytes caps the request payload forwarded to a target.
const maxBodyBytes = 1 << 20

// deployment is a deployed API stage: the first path segment of a request.
type deployment struct {
	name      string
	variables map[string]string
	limiter   *rate.Limiter
	dataTrace bool
}

// Handler handles incoming HTTP requests, resolving the deployment stage,
// checking resource, method, throttling and required headers, and routing
// the request through the stage router.
type Handler struct {
	router        *router.Router
	stageVariable string
	deployments   map[string]*deployment
	resources     []config.Resource
	params        []requiredParam
	logger        *slog.Logger
}

// NewHandler creates a new gateway handler for cfg's deployments and resources.
func NewHandler(rt *router.Router, cfg *config.Config, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	params, err := compileParams(cfg.RequiredHeaders)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		router:        rt,
		stageVariable: cfg.StageVariable,
		deployments:   make(map[string]*deployment, len(cfg.Deployments)),
		resources:     cfg.Resources,
		params:        params,
		logger:        logger,
	}
	if h.stageVariable == "" {
		h.stageVariable = envelope.DefaultStageVariable
	}

	for _, d := range cfg.Deployments {
		h.deployments[d.Name] = &deployment{
			name:      d.Name,
			variables: d.Variables,
			limiter:   rate.NewLimiter(rate.Limit(d.Throttling.RateLimit), d.Throttling.BurstLimit),
			dataTrace: d.DataTrace,
		}
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	name, path := splitDeployment(r.URL.Path)
	var stage string
	defer func() {
		h.logger.Info("access",
			"requestId", requestID,
			"deployment", name,
			"stage", stage,
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"latency", time.Since(start),
		)
	}()

	dep, ok := h.deployments[name]
	if !ok {
		writeMessage(rec, http.StatusForbidden, "Forbidden")
		return
	}

	res, pathParams, ok := h.findResource(path)
	if !ok {
		writeMessage(rec, http.StatusNotFound, "Not Found")
		return
	}
	if !allowsMethod(res, r.Method) {
		rec.Header().Set("Allow", strings.Join(res.Methods, ", "))
		writeMessage(rec, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	if !dep.limiter.Allow() {
		metrics.GatewayThrottledTotal.WithLabelValues(dep.name).Inc()
		writeMessage(rec, http.StatusTooManyRequests, "Too Many Requests")
		return
	}

	if missing := missingParams(r, h.params); len(missing) > 0 {
		writeMessage(rec, http.StatusBadRequest, fmt.Sprintf("Missing required request parameters: [%s]", strings.Join(missing, ", ")))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(rec, http.StatusBadRequest, "Unreadable request body")
		return
	}

	stage = dep.variables[h.stageVariable]
	req := envelope.RouteRequest{
		Stage:          stage,
		StageVariables: copyMap(dep.variables),
		Payload:        body,
		Metadata:       requestMetadata(r, path, requestID, dep.name),
	}
	for k, v := range pathParams {
		req.Metadata["path."+k] = v
	}

	resp := h.router.Route(r.Context(), req)
	if stage == "" {
		stage = envelope.FallbackStage
	}

	for k, v := range resp.Metadata {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(resp.StatusCode)
	rec.Write(resp.Body)

	if dep.dataTrace {
		h.logger.Debug("data trace",
			"requestId", requestID,
			"requestBody", string(body),
			"responseBody", string(resp.Body),
		)
	}
}

// findResource finds the first resource whose pattern matches path.
func (h *Handler) findResource(path string) (config.Resource, map[string]string, bool) {
	for _, res := range h.resources {
		if params, ok := matchResource(res.Path, path); ok {
			return res, params, true
		}
	}
	return config.Resource{}, nil, false
}

func allowsMethod(res config.Resource, method string) bool {
	for _, m := range res.Methods {
		if m == "ANY" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// splitDeployment splits "/miztiik-dev/wa-api/greeter" into
// "miztiik-dev" and "/wa-api/greeter".
func splitDeployment(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	name, rest, _ := strings.Cut(p, "/")
	return name, "/" + rest
}

func requestMetadata(r *http.Request, path, requestID, deployment string) map[string]string {
	md := make(map[string]string, len(r.Header)+4)
	for k := range r.Header {
		md[k] = r.Header.Get(k)
	}
	md["path"] = path
	md["method"] = r.Method
	md["requestId"] = requestID
	md["deployment"] = deployment
	return md
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
