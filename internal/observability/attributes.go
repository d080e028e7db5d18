package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrType     = "type"
	attrSuccess  = "success"
	attrResource = "resource"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func typeAttr(orchestrationType string) attribute.KeyValue {
	return attribute.String(attrType, strings.ToLower(orchestrationType))
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func resourceAttr(resource string) attribute.KeyValue {
	return attribute.String(attrResource, resource)
}

// normalizePath replaces dynamic path segments with placeholders to
// keep metric cardinality bounded.
func normalizePath(path string) string {
	for prefix, placeholder := range map[string]string{
		"/v1/jobs/":          "/v1/jobs/{jobId}",
		"/v1/subscriptions/": "/v1/subscriptions/{subscriptionId}",
		"/v1/locks/":         "/v1/locks/{lockId}",
	} {
		if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
			return placeholder
		}
	}
	return path
}
