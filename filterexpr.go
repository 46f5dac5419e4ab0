package mitmproxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FlowPredicate decides membership of a flow in a view or intercept set.
// A nil predicate matches every flow.
type FlowPredicate func(f *Flow) bool

// FlowFilter matches flows against a set of compiled rules. All rules must
// match (conjunction). An empty filter matches every flow.
type FlowFilter struct {
	rules []matchRule
	expr  string
}

type matchRule struct {
	kind    string
	pattern string

	// wildcard is the suffix for "*." host patterns, stored without the
	// leading "*.".
	wildcard string

	status   int
	compiled *regexp.Regexp
	negate   bool
}

// ParseFilter compiles a flow filter expression. The expression is a
// space-separated list of terms, all of which must match:
//
//	host:example.com     exact host (wildcard "*.example.com" allowed)
//	path:/api            URL path prefix
//	method:GET           request method
//	kind:response        flow lifecycle stage
//	status:404           response status code
//	regex:PATTERN        regexp matched against the full URL
//	intercepted          flow is currently held
//	marked               flow carries the user mark
//
// Any term may be negated with a leading "!". An empty expression yields a
// match-all filter.
func ParseFilter(expr string) (*FlowFilter, error) {
	f := &FlowFilter{expr: expr}

	for _, term := range strings.Fields(expr) {
		var r matchRule
		if strings.HasPrefix(term, "!") {
			r.negate = true
			term = term[1:]
		}
		if term == "" {
			return nil, fmt.Errorf("empty filter term")
		}

		kind, pattern, hasArg := strings.Cut(term, ":")
		switch kind {
		case "host":
			if !hasArg || pattern == "" {
				return nil, fmt.Errorf("host term requires a pattern")
			}
			r.kind = "host"
			pattern = strings.ToLower(pattern)
			if strings.HasPrefix(pattern, "*.") {
				r.wildcard = pattern[2:]
			} else {
				r.pattern = pattern
			}

		case "path":
			if !hasArg || pattern == "" {
				return nil, fmt.Errorf("path term requires a prefix")
			}
			r.kind = "path"
			r.pattern = pattern

		case "method":
			if !hasArg || pattern == "" {
				return nil, fmt.Errorf("method term requires a method")
			}
			r.kind = "method"
			r.pattern = strings.ToUpper(pattern)

		case "kind":
			switch FlowKind(pattern) {
			case KindRequest, KindResponse, KindError:
			default:
				return nil, fmt.Errorf("unknown flow kind %q", pattern)
			}
			r.kind = "kind"
			r.pattern = pattern

		case "status":
			code, err := strconv.Atoi(pattern)
			if err != nil || code < 100 || code > 599 {
				return nil, fmt.Errorf("invalid status code %q", pattern)
			}
			r.kind = "status"
			r.status = code

		case "regex":
			if !hasArg || pattern == "" {
				return nil, fmt.Errorf("regex term requires a pattern")
			}
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
			}
			r.kind = "regex"
			r.compiled = compiled

		case "intercepted":
			if hasArg {
				return nil, fmt.Errorf("intercepted takes no argument")
			}
			r.kind = "intercepted"

		case "marked":
			if hasArg {
				return nil, fmt.Errorf("marked takes no argument")
			}
			r.kind = "marked"

		default:
			return nil, fmt.Errorf("unknown filter term %q", kind)
		}

		f.rules = append(f.rules, r)
	}

	return f, nil
}

// Matches reports whether the flow satisfies every rule in the filter.
func (f *FlowFilter) Matches(flow *Flow) bool {
	for _, r := range f.rules {
		if r.match(flow) == r.negate {
			return false
		}
	}
	return true
}

// Predicate returns the filter as a FlowPredicate.
func (f *FlowFilter) Predicate() FlowPredicate {
	return f.Matches
}

// String returns the source expression the filter was parsed from.
func (f *FlowFilter) String() string {
	return f.expr
}

func (r *matchRule) match(f *Flow) bool {
	switch r.kind {
	case "host":
		host := f.Host()
		if r.wildcard != "" {
			return host == r.wildcard || strings.HasSuffix(host, "."+r.wildcard)
		}
		return host == r.pattern
	case "path":
		return strings.HasPrefix(f.Path(), r.pattern)
	case "method":
		return f.Request != nil && strings.ToUpper(f.Request.Method) == r.pattern
	case "kind":
		return string(f.Kind) == r.pattern
	case "status":
		return f.StatusCode() == r.status
	case "regex":
		return f.Request != nil && r.compiled.MatchString(f.Request.URL)
	case "intercepted":
		return f.Intercepted
	case "marked":
		return f.Marked
	default:
		return false
	}
}
