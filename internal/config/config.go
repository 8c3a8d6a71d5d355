package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

const (
	defaultInvokeTimeout = 15 * time.Second
	defaultRateLimit     = 10
	defaultBurstLimit    = 100
	defaultResource      = "/wa-api/greeter"
)

// Config is the static stage configuration of a gateway.
type Config struct {
	Greeting        string        `yaml:"greeting,omitempty"`
	InvokeTimeout   time.Duration `yaml:"invokeTimeout,omitempty"`
	StageVariable   string        `yaml:"stageVariable,omitempty"`
	Fallback        *Target       `yaml:"fallback,omitempty"`
	Targets         []Target      `yaml:"targets,omitempty"`
	Deployments     []Deployment  `yaml:"deployments,omitempty"`
	Resources       []Resource    `yaml:"resources,omitempty"`
	RequiredHeaders []HeaderRule  `yaml:"requiredHeaders,omitempty"`
}

// Target binds a stage to a backend.
type Target struct {
	Stage               string        `yaml:"stage"`
	ID                  string        `yaml:"id,omitempty"`
	Kind                string        `yaml:"kind,omitempty"`
	Version             string        `yaml:"version,omitempty"`
	URL                 string        `yaml:"url,omitempty"`
	FunctionName        string        `yaml:"functionName,omitempty"`
	Qualifier           string        `yaml:"qualifier,omitempty"`
	Message             string        `yaml:"message,omitempty"`
	Timeout             time.Duration `yaml:"timeout,omitempty"`
	ReservedConcurrency int           `yaml:"reservedConcurrency,omitempty"`
}

// Deployment is a named API stage (the first URL path segment) and the stage
// variables it carries.
type Deployment struct {
	Name       string            `yaml:"name"`
	Variables  map[string]string `yaml:"variables,omitempty"`
	Throttling Throttling        `yaml:"throttling,omitempty"`
	DataTrace  bool              `yaml:"dataTrace,omitempty"`
}

// Throttling is a token bucket: RateLimit requests per second, BurstLimit burst.
type Throttling struct {
	RateLimit  float64 `yaml:"rateLimit,omitempty"`
	BurstLimit int     `yaml:"burstLimit,omitempty"`
}

// Resource is a routable path pattern and the methods it accepts.
type Resource struct {
	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods,omitempty"`
}

// HeaderRule requires a request header, optionally matching Pattern.
type HeaderRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern,omitempty"`
}

// Spec converts t into a target.Spec.
func (t Target) Spec() target.Spec {
	return target.Spec{
		Kind:                t.Kind,
		Version:             t.Version,
		URL:                 t.URL,
		FunctionName:        t.FunctionName,
		Qualifier:           t.Qualifier,
		Message:             t.Message,
		ReservedConcurrency: t.ReservedConcurrency,
	}
}

// Default returns the configuration of the three-stage greeter API: dev, test
// and prod deployments, each pointing its lambdaAlias at its own alias.
func Default() *Config {
	c := &Config{
		Fallback: &Target{Stage: envelope.FallbackStage, ID: "$LATEST", Kind: target.KindGreeter},
		RequiredHeaders: []HeaderRule{
			{Name: "InvocationType"},
		},
	}
	for _, alias := range []string{"dev", "test", "prod"} {
		c.Targets = append(c.Targets, Target{Stage: alias, ID: alias, Kind: target.KindGreeter, ReservedConcurrency: 20})
		c.Deployments = append(c.Deployments, Deployment{
			Name:      "miztiik-" + alias,
			Variables: map[string]string{envelope.DefaultStageVariable: alias},
			DataTrace: true,
		})
	}
	c.ApplyDefaults()
	return c
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Greeting == "" {
		c.Greeting = target.DefaultGreeting
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = defaultInvokeTimeout
	}
	if c.StageVariable == "" {
		c.StageVariable = envelope.DefaultStageVariable
	}
	for i := range c.Targets {
		if c.Targets[i].ID == "" {
			c.Targets[i].ID = c.Targets[i].Stage
		}
		if c.Targets[i].Kind == "" {
			c.Targets[i].Kind = target.KindGreeter
		}
	}
	if c.Fallback != nil {
		c.Fallback.Stage = envelope.FallbackStage
		if c.Fallback.ID == "" {
			c.Fallback.ID = "default"
		}
		if c.Fallback.Kind == "" {
			c.Fallback.Kind = target.KindGreeter
		}
	}
	for i := range c.Deployments {
		th := &c.Deployments[i].Throttling
		if th.RateLimit == 0 {
			th.RateLimit = defaultRateLimit
		}
		if th.BurstLimit == 0 {
			th.BurstLimit = defaultBurstLimit
		}
	}
	if len(c.Resources) == 0 {
		c.Resources = []Resource{{Path: defaultResource}}
	}
	for i := range c.Resources {
		if len(c.Resources[i].Methods) == 0 {
			c.Resources[i].Methods = []string{"GET"}
		}
	}
}

// Validate checks the configuration for errors a gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for _, t := range c.AllTargets() {
		if err := envelope.ValidateStage(t.Stage); err != nil {
			errs = append(errs, fmt.Errorf("target: %w", err))
			continue
		}
		if seen[t.Stage] {
			errs = append(errs, fmt.Errorf("target: stage %q bound more than once", t.Stage))
		}
		seen[t.Stage] = true

		switch t.Kind {
		case target.KindGreeter:
		case target.KindHTTP:
			if t.URL == "" {
				errs = append(errs, fmt.Errorf("target %q: http target requires url", t.Stage))
			}
		case target.KindLambda:
			if t.FunctionName == "" {
				errs = append(errs, fmt.Errorf("target %q: lambda target requires functionName", t.Stage))
			}
		default:
			errs = append(errs, fmt.Errorf("target %q: unknown kind %q", t.Stage, t.Kind))
		}
		if t.Timeout < 0 || t.ReservedConcurrency < 0 {
			errs = append(errs, fmt.Errorf("target %q: timeout and reservedConcurrency must not be negative", t.Stage))
		}
	}

	names := make(map[string]bool)
	for _, d := range c.Deployments {
		if err := envelope.ValidateStage(d.Name); err != nil {
			errs = append(errs, fmt.Errorf("deployment: %w", err))
			continue
		}
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("deployment %q declared more than once", d.Name))
		}
		names[d.Name] = true
		if d.Throttling.RateLimit < 0 || d.Throttling.BurstLimit < 0 {
			errs = append(errs, fmt.Errorf("deployment %q: throttling limits must not be negative", d.Name))
		}
	}

	for _, r := range c.Resources {
		if len(r.Path) == 0 || r.Path[0] != '/' {
			errs = append(errs, fmt.Errorf("resource %q: path must start with /", r.Path))
		}
	}

	for _, h := range c.RequiredHeaders {
		if h.Name == "" {
			errs = append(errs, errors.New("required header with empty name"))
		}
		if h.Pattern != "" {
			if _, err := regexp.Compile(h.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("required header %q: %w", h.Name, err))
			}
		}
	}

	if c.InvokeTimeout < 0 {
		errs = append(errs, errors.New("invokeTimeout must not be negative"))
	}

	return errors.Join(errs...)
}

// AllTargets returns the configured targets, fallback included.
func (c *Config) AllTargets() []Target {
	all := make([]Target, 0, len(c.Targets)+1)
	all = append(all, c.Targets...)
	if c.Fallback != nil {
		all = append(all, *c.Fallback)
	}
	return all
}
