package gateway

import "strings"

// matchPath reports whether a request path matches a resource pattern.
func matchPath(pattern, path string) bool {
	_, ok := matchResource(pattern, path)
	return ok
}

// matchResource matches a request path against a resource pattern and returns
// the path parameters it captured.
// Supports:
//   - Exact match: "/wa-api/greeter"
//   - Single segment wildcard (*) and named segment ({name}):
//     "/wa-api/{mystique}" matches "/wa-api/greeter" with mystique=greeter
//   - Trailing any-depth wildcards (/* and /**) and greedy parameters ({name+}):
//     "/wa-api/{proxy+}" matches "/wa-api/a/b" with proxy=a/b
func matchResource(pattern, path string) (map[string]string, bool) {
	params := map[string]string{}
	if pattern == path {
		return params, true
	}

	patternParts := split(pattern)
	pathParts := split(path)

	for i, pp := range patternParts {
		last := i == len(patternParts)-1

		if last && (pp == "**" || pp == "*" || isGreedy(pp)) {
			rest := pathParts[min(i, len(pathParts)):]
			if isGreedy(pp) {
				// A greedy parameter needs at least one segment to capture.
				if len(rest) == 0 {
					return nil, false
				}
				params[paramName(pp)] = strings.Join(rest, "/")
			}
			return params, true
		}

		if i >= len(pathParts) {
			return nil, false
		}

		switch {
		case pp == "*":
		case isParam(pp):
			params[paramName(pp)] = pathParts[i]
		case pp != pathParts[i]:
			return nil, false
		}
	}

	if len(patternParts) != len(pathParts) {
		return nil, false
	}
	return params, true
}

func split(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func isParam(seg string) bool {
	return len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}'
}

func isGreedy(seg string) bool {
	return isParam(seg) && strings.HasSuffix(seg, "+}")
}

func paramName(seg string) string {
	return strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(seg, "{"), "}"), "+")
}
