package message

import (
	"encoding/json"
	"fmt"
)

// Response is an outbound answer to a command or query.
// Body is kept as encoded JSON so it is written to the bus unchanged.
type Response struct {
	CorrelationID string          `json:"correlation_id,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// NewResponse encodes v as the response body.
func NewResponse(v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return &Response{Body: body}, nil
}

// Ok returns {"ok": true, ...fields}.
func Ok(fields map[string]any) *Response {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	return mustResponse(body)
}

// Refusal returns {"ok": false, "err": reason}.
func Refusal(reason string) *Response {
	return mustResponse(map[string]any{"ok": false, "err": reason})
}

// AccessDenied returns {"ok": false, "msg": "Access denied"}.
func AccessDenied() *Response {
	return mustResponse(map[string]any{"ok": false, "msg": "Access denied"})
}

// OK reports whether the body carries "ok": true.
// A body without an ok field (e.g. a plain document) counts as success.
func (r *Response) OK() bool {
	var probe struct {
		Ok *bool `json:"ok"`
	}
	if err := json.Unmarshal(r.Body, &probe); err != nil {
		return false
	}
	return probe.Ok == nil || *probe.Ok
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Fields decodes the body as a generic object.
func (r *Response) Fields() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(r.Body, &m)
	return m
}

// WithCorrelation returns r answering correlationID.
func (r *Response) WithCorrelation(correlationID string) *Response {
	r.CorrelationID = correlationID
	return r
}

func mustResponse(body map[string]any) *Response {
	r, err := NewResponse(body)
	if err != nil {
		// map[string]any of JSON scalars always encodes
		panic(err)
	}
	return r
}
