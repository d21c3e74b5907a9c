// Package observability provides metrics and attribute helpers for the
// pipeline worker.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrModel   = "model"
	attrSuccess = "success"
)

func modelAttr(model string) attribute.KeyValue {
	return attribute.String(attrModel, model)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}
