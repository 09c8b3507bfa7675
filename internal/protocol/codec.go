package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageBytes bounds decoded bodies on both sides of the wire.
const MaxMessageBytes = 4 << 20

func EncodeRequest(w io.Writer, req *TriggerRequest) error {
	if req.Action == "" {
		return fmt.Errorf("trigger request missing action")
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest parses a trigger request strictly. Action is checked for
// presence only; whether it is runnable is the agent's decision.
func DecodeRequest(r io.Reader) (*TriggerRequest, error) {
	var req TriggerRequest
	decoder := json.NewDecoder(io.LimitReader(r, MaxMessageBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("request missing required field: action")
	}
	return &req, nil
}

func EncodeResponse(w io.Writer, resp *TriggerResponse) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// DecodeResponse reads a response and validates its status. Unknown fields
// are tolerated so newer agents can add detail.
func DecodeResponse(r io.Reader) (*TriggerResponse, error) {
	var resp TriggerResponse
	if err := json.NewDecoder(io.LimitReader(r, MaxMessageBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("response missing required field: status")
	}
	if resp.Status != StatusSuccess && resp.Status != StatusFailed {
		return nil, fmt.Errorf("invalid status value: %q (must be %q or %q)", resp.Status, StatusSuccess, StatusFailed)
	}
	return &resp, nil
}
