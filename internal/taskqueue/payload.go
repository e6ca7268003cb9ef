package taskqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the typed argument of a task. Each kind has exactly one
// payload type.
type Payload interface {
	Kind() Kind
}

// BuildConfigsPayload names the service to provision on every panel.
type BuildConfigsPayload struct {
	ServiceUUID string `json:"service_uuid"`
}

func (BuildConfigsPayload) Kind() Kind { return KindBuildConfigs }

// DeleteServicePayload names the service to tear down.
type DeleteServicePayload struct {
	ServiceUUID string `json:"service_uuid"`
}

func (DeleteServicePayload) Kind() Kind { return KindDeleteService }

// UpdateServicePayload carries the new limits. Nil fields are left unchanged.
type UpdateServicePayload struct {
	ServiceUUID string     `json:"service_uuid"`
	DataLimitGB *float64   `json:"data_limit_gb,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

func (UpdateServicePayload) Kind() Kind { return KindUpdateService }

// PeriodicPayload is the empty payload shared by all sweep kinds.
type PeriodicPayload struct {
	kind Kind
}

// Periodic returns the payload of a sweep kind.
func Periodic(kind Kind) PeriodicPayload { return PeriodicPayload{kind: kind} }

func (p PeriodicPayload) Kind() Kind { return p.kind }

func (PeriodicPayload) MarshalJSON() ([]byte, error) { return []byte("{}"), nil }

// PayloadError reports a payload that does not decode for its kind.
type PayloadError struct {
	Kind Kind
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// EncodePayload renders p as JSON after validating it.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil || !p.Kind().IsValid() {
		return nil, ErrUnknownKind
	}
	if err := validatePayload(p); err != nil {
		return nil, &PayloadError{Kind: p.Kind(), Err: err}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &PayloadError{Kind: p.Kind(), Err: err}
	}
	return raw, nil
}

// DecodePayload parses raw into the payload type of kind. Unknown fields
// are rejected.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	var p Payload
	switch kind {
	case KindBuildConfigs:
		var v BuildConfigsPayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, &PayloadError{Kind: kind, Err: err}
		}
		p = v
	case KindDeleteService:
		var v DeleteServicePayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, &PayloadError{Kind: kind, Err: err}
		}
		p = v
	case KindUpdateService:
		var v UpdateServicePayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, &PayloadError{Kind: kind, Err: err}
		}
		p = v
	default:
		var v struct{}
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, &PayloadError{Kind: kind, Err: err}
		}
		p = Periodic(kind)
	}
	if err := validatePayload(p); err != nil {
		return nil, &PayloadError{Kind: kind, Err: err}
	}
	return p, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validatePayload(p Payload) error {
	switch v := p.(type) {
	case BuildConfigsPayload:
		if v.ServiceUUID == "" {
			return fmt.Errorf("service_uuid is required")
		}
	case DeleteServicePayload:
		if v.ServiceUUID == "" {
			return fmt.Errorf("service_uuid is required")
		}
	case UpdateServicePayload:
		if v.ServiceUUID == "" {
			return fmt.Errorf("service_uuid is required")
		}
		if v.DataLimitGB != nil && *v.DataLimitGB < 0 {
			return fmt.Errorf("data_limit_gb must be >= 0")
		}
	case PeriodicPayload:
		if !v.kind.IsPeriodic() {
			return fmt.Errorf("kind %s takes arguments", v.kind)
		}
	}
	return nil
}
