// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ParseCustomAttributes parses a comma-separated list of key=value pairs,
// such as "deployment=staging,region=eu-west-1", into resource attributes.
func ParseCustomAttributes(input string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute format %q: expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty attribute key in %q", pair)
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs, nil
}

// toAttributes converts attrs to OpenTelemetry attributes in key order.
func toAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		result = append(result, attribute.String(k, attrs[k]))
	}
	return result
}
