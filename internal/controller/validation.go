package controller

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	stagevarv1alpha1 "github.com/razvanmacovei/stagevar-gateway/api/v1alpha1"
	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

// blockedRanges are address blocks an http stage target may never point at:
// loopback, RFC 1918, carrier-grade NAT, link-local (cloud metadata) and their
// IPv6 counterparts.
var blockedRanges = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{
		"0.0.0.0/8",
		"127.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::/128",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, ipNet)
	}
	return nets
}()

// TargetURLError reports why an http stage target URL was refused.
type TargetURLError struct {
	URL    string
	Reason string
}

func (e *TargetURLError) Error() string {
	return fmt.Sprintf("stage target url %q refused: %s", e.URL, e.Reason)
}

// validateBinding checks the parts of a StageBinding spec the CRD schema cannot.
func validateBinding(spec *stagevarv1alpha1.StageBindingSpec) error {
	if err := envelope.ValidateStage(spec.Stage); err != nil {
		return err
	}
	if spec.Stage == envelope.FallbackStage {
		return fmt.Errorf("stage %q is reserved for the fallback target", spec.Stage)
	}

	t := spec.Target
	if t.Timeout != nil && t.Timeout.Duration < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if t.ReservedConcurrency < 0 {
		return fmt.Errorf("reservedConcurrency must not be negative")
	}

	switch t.Kind {
	case "", target.KindGreeter:
		return nil
	case target.KindHTTP:
		if t.URL == "" {
			return fmt.Errorf("http target requires a url")
		}
		if err := validateTargetURL(t.URL); err != nil {
			return fmt.Errorf("target url: %w", err)
		}
		return nil
	case target.KindLambda:
		if t.FunctionName == "" {
			return fmt.Errorf("lambda target requires a functionName")
		}
		if t.Qualifier != "" {
			if err := envelope.ValidateStage(t.Qualifier); err != nil {
				return fmt.Errorf("qualifier: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// validateTargetURL checks that an http stage target is reachable without
// handing the gateway a request into the node or cloud metadata network.
// Plain http is only accepted for in-cluster services.
func validateTargetURL(rawURL string) error {
	refuse := func(format string, args ...any) error {
		return &TargetURLError{URL: rawURL, Reason: fmt.Sprintf(format, args...)}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return refuse("unparseable: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return refuse("targets are invoked over http or https, not %q", u.Scheme)
	}
	if u.User != nil {
		return refuse("credentials belong in target headers, not the url")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	switch {
	case host == "":
		return refuse("no backend host")
	case host == "localhost" || strings.HasSuffix(host, ".localhost"):
		return refuse("backend %q is the gateway's own host", host)
	case strings.HasSuffix(host, ".internal"):
		return refuse("backend %q is on a provider-internal domain", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return refuse("backend address %s is loopback, private or link-local", ip)
		}
		if u.Scheme != "https" {
			return refuse("backend address %s must be called over https", ip)
		}
		return nil
	}

	if u.Scheme != "https" && !isInClusterHostname(host) {
		return refuse("backend %q is outside the cluster and must be called over https", host)
	}
	return nil
}

// isBlockedIP reports whether ip falls in one of blockedRanges.
func isBlockedIP(ip net.IP) bool {
	for _, cidr := range blockedRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// isInClusterHostname reports whether host names a Kubernetes service: a bare
// service name, <svc>.<ns>.svc or <svc>.<ns>.svc.cluster.local.
func isInClusterHostname(host string) bool {
	return !strings.Contains(host, ".") ||
		strings.HasSuffix(host, ".svc") ||
		strings.HasSuffix(host, ".svc.cluster.local")
}
