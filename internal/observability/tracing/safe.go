package tracing

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
)

var allowedAttributeKeys = map[attribute.Key]struct{}{
	"http.method":             {},
	"http.route":              {},
	"http.status_code":        {},
	"http.server_duration_ms": {},
	"request_id":              {},
	"company_id":              {},
	"workspace_id":            {},
	"region":                  {},
	"scope":                   {},
	"outcome":                 {},
}

// SafeAttributes drops attributes that may carry tenant payload data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedAttributeKeys[attr.Key]; ok {
			out = append(out, attr)
		}
	}
	return out
}

// SafeError strips the message down to a type-level description so error
// text that echoes payloads never reaches the trace backend.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return errors.New(coded.Code())
	}
	return errors.New("request_failed")
}
