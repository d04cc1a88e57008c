// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrRole    = "role"
	attrOutcome = "outcome"
	attrKind    = "kind"
	attrState   = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func roleAttr(role string) attribute.KeyValue {
	return attribute.String(attrRole, role)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// knownPaths are the routes served; anything else collapses to "other"
// so probing clients cannot inflate label cardinality.
var knownPaths = []string{
	"/v1/fanouts/sync",
	"/v1/fanouts",
	"/v1/deliveries",
	"/livez",
	"/readyz",
	"/metrics",
}

// normalizePath maps a request path onto its route.
func normalizePath(path string) string {
	path = strings.TrimSuffix(path, "/")
	for _, known := range knownPaths {
		if path == known {
			return known
		}
	}
	return "other"
}
