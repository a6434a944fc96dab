package main

import (
	"encoding/json"
	"fmt"
)

// Envelope is the two-element [verb, payload] shape named in §3. Both
// directions use it: browser -> server verbs are stdin/resize/ping; server
// -> browser verbs are stdout/meta/binary/pong/error/exit.
type Envelope struct {
	Verb    string
	Payload json.RawMessage
}

// ParseEnvelope decodes raw as a JSON array and splits it into verb and
// payload. Anything that isn't a two-element array with a string first
// element returns an error; callers treat that as "ignore" (invariant 6,
// §8).
func ParseEnvelope(raw []byte) (Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Envelope{}, fmt.Errorf("not a JSON array: %w", err)
	}
	if len(parts) != 2 {
		return Envelope{}, fmt.Errorf("expected a 2-element array, got %d", len(parts))
	}
	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		return Envelope{}, fmt.Errorf("verb is not a string: %w", err)
	}
	return Envelope{Verb: verb, Payload: parts[1]}, nil
}

// resizePayload is the shape of a "resize" envelope's payload.
type resizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func encodeEnvelope(verb string, payload any) ([]byte, error) {
	return json.Marshal([2]any{verb, payload})
}
