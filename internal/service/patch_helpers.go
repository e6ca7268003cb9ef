package service

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

type mergePatch map[string]any

type unknownFieldMessage func(field string) string

// parseMergePatch parses the project's constrained PATCH body format.
// It intentionally differs from RFC 7396 JSON Merge Patch:
//   - only JSON object is accepted;
//   - object must be non-empty;
//   - null field values are rejected in validateFields.
func parseMergePatch(patchJSON json.RawMessage) (mergePatch, *ServiceError) {
	var patch map[string]any
	if err := json.Unmarshal(patchJSON, &patch); err != nil {
		return nil, invalidArg("invalid JSON: " + err.Error())
	}
	if len(patch) == 0 {
		return nil, invalidArg("empty patch")
	}
	return mergePatch(patch), nil
}

func (p mergePatch) validateFields(allowed map[string]bool, unknownMsg unknownFieldMessage) *ServiceError {
	for key, val := range p {
		if !allowed[key] {
			return invalidArg(unknownMsg(key))
		}
		if val == nil {
			return invalidArg(fmt.Sprintf("null value not allowed for field: %q", key))
		}
	}
	return nil
}

func (p mergePatch) optionalString(field string) (string, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", true, invalidArg(fmt.Sprintf("%s: must be a string", field))
	}
	return value, true, nil
}

func (p mergePatch) optionalNonEmptyString(field string) (string, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", true, invalidArg(fmt.Sprintf("%s: must be a non-empty string", field))
	}
	return strings.TrimSpace(value), true, nil
}

// optionalNonNegativeNumber reads a finite JSON number >= 0.
func (p mergePatch) optionalNonNegativeNumber(field string) (float64, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return 0, false, nil
	}
	value, ok := raw.(float64)
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, true, invalidArg(fmt.Sprintf("%s: must be a non-negative number", field))
	}
	return value, true, nil
}

// optionalTimestamp reads an RFC 3339 timestamp string.
func (p mergePatch) optionalTimestamp(field string) (time.Time, bool, *ServiceError) {
	value, ok, err := p.optionalString(field)
	if !ok || err != nil {
		return time.Time{}, ok, err
	}
	t, perr := time.Parse(time.RFC3339, value)
	if perr != nil {
		return time.Time{}, true, invalidArg(fmt.Sprintf("%s: must be an RFC 3339 timestamp", field))
	}
	return t, true, nil
}

func parseHTTPAbsoluteURL(field, value string) (*url.URL, *ServiceError) {
	u, err := url.ParseRequestURI(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidArg(fmt.Sprintf("%s: must be an http/https absolute URL", field))
	}
	return u, nil
}

// daysFrom returns from + days, rejecting non-positive or absurd durations.
func daysFrom(field string, from time.Time, days float64) (time.Time, *ServiceError) {
	if math.IsNaN(days) || days <= 0 || days > 36500 {
		return time.Time{}, invalidArg(fmt.Sprintf("%s: must be a number in (0, 36500]", field))
	}
	return from.Add(time.Duration(days * float64(24*time.Hour))), nil
}
