package router

import (
	"fmt"
	"strings"
)

// Pattern compiles a route path containing ":name" captures into something
// that can both match concrete route strings and extract the named
// segments. This is deliberately not MQTT-style "+"/"#" wildcard matching:
// captures are named and every concrete route must match the same number of
// segments.
type Pattern struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	name    string // non-empty means this segment captures into name
}

// Compile parses a registration-side pattern such as "/widgets/:id". It
// rejects patterns with empty segments or a capture with no name.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("router: pattern %q must start with /", pattern)
	}

	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segments := make([]segment, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("router: pattern %q has an empty segment", pattern)
		}

		if strings.HasPrefix(part, ":") {
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("router: pattern %q has an unnamed capture", pattern)
			}
			segments = append(segments, segment{name: name})
		} else {
			segments = append(segments, segment{literal: part})
		}
	}

	return &Pattern{raw: pattern, segments: segments}, nil
}

// String returns the pattern as originally written.
func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether route satisfies the pattern, returning the named
// captures on success. route must be concrete: ValidateConcrete rejects
// anything containing a ":name" segment before it ever reaches Match, since
// a peer sending a pattern instead of a concrete route is a protocol error,
// not a routing outcome.
func (p *Pattern) Match(route string) (map[string]string, bool) {
	if route == "" || route[0] != '/' {
		return nil, false
	}

	parts := strings.Split(strings.Trim(route, "/"), "/")
	if len(parts) != len(p.segments) {
		return nil, false
	}

	var captures map[string]string
	for i, seg := range p.segments {
		if seg.name != "" {
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[seg.name] = parts[i]
			continue
		}

		if seg.literal != parts[i] {
			return nil, false
		}
	}

	return captures, true
}

// ValidateConcrete reports an error if route contains a ':' (rejected with
// its own error, since it marks a capture) or any character other than a
// letter, digit, '_', '/' or '-'. Peers may only send concrete routes; only
// server-side registration may use captures.
func ValidateConcrete(route string) error {
	if strings.Contains(route, ":") {
		return fmt.Errorf("route contains reserved character ':'")
	}

	for _, ch := range route {
		if !(ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_' || ch == '/' || ch == '-') {
			return fmt.Errorf("router: route %q contains invalid character %q", route, ch)
		}
	}

	return nil
}
