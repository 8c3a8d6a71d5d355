package gateway

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/razvanmacovei/stagevar-gateway/internal/config"
)

// requiredParam is a pre-compiled required request header.
type requiredParam struct {
	Header  string
	Pattern *regexp.Regexp // nil means any non-empty value
}

func compileParams(rules []config.HeaderRule) ([]requiredParam, error) {
	params := make([]requiredParam, 0, len(rules))
	for _, rule := range rules {
		p := requiredParam{Header: rule.Name}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compile header pattern %q: %w", rule.Pattern, err)
			}
			p.Pattern = re
		}
		params = append(params, p)
	}
	return params, nil
}

// missingParams returns the required headers that are absent or do not match
// their pattern.
func missingParams(r *http.Request, params []requiredParam) []string {
	var missing []string
	for _, p := range params {
		v := r.Header.Get(p.Header)
		if v == "" {
			missing = append(missing, p.Header)
			continue
		}
		if p.Pattern != nil && !p.Pattern.MatchString(v) {
			missing = append(missing, p.Header)
		}
	}
	return missing
}
