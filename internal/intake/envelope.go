package intake

import (
	"encoding/json"
	"errors"
	"fmt"

	"pushfanout/internal/fanout"
	"pushfanout/pkg/signing"
)

// Stream entry fields.
const (
	FieldRequest   = "request"
	FieldSignature = "signature"
)

// ErrMalformed marks entries that can never be processed.
var ErrMalformed = errors.New("malformed intake entry")

// Decode turns stream entry fields into a validated fan-out request.
// When key is set the request body must carry a matching signature.
func Decode(fields map[string]string, key string) (*fanout.Request, error) {
	body, ok := fields[FieldRequest]
	if !ok || body == "" {
		return nil, fmt.Errorf("%w: missing %s field", ErrMalformed, FieldRequest)
	}
	if key != "" {
		if err := signing.Verify([]byte(body), key, fields[FieldSignature]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	var req fanout.Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("%w: decode request: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &req, nil
}

// Encode returns the stream entry fields for req, signed when key is set.
func Encode(req *fanout.Request, key string) (map[string]string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	fields := map[string]string{FieldRequest: string(body)}
	if key != "" {
		fields[FieldSignature] = signing.Sign(body, key)
	}
	return fields, nil
}
