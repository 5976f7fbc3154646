package gate

import (
	"strings"
)

// matchPattern reports whether a request path matches a policy pattern.
// Patterns are segment based: ":name" matches any single segment, "*"
// as the final segment matches the whole remainder of the path.
//
//	/api/orders/:id   matches /api/orders/42
//	/api/*            matches /api/orders/42/items
func matchPattern(pattern, path string) bool {
	if pattern == path {
		return true
	}

	patternSegments := splitPath(pattern)
	pathSegments := splitPath(path)

	for i, segment := range patternSegments {
		if segment == "*" && i == len(patternSegments)-1 {
			return len(pathSegments) >= i
		}

		if i >= len(pathSegments) {
			return false
		}

		if strings.HasPrefix(segment, ":") {
			continue
		}

		if segment != pathSegments[i] {
			return false
		}
	}

	return len(patternSegments) == len(pathSegments)
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
