// Package envelope decodes the loosely-shaped JSON envelopes returned by the
// upstream API. Endpoints disagree on whether they signal success through
// "code", "success" or both, so each caller picks the typed view it needs on
// top of the opaque payload the request cache returns.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Envelope is the common {code, success, msg, data} shape.
type Envelope[T any] struct {
	Code    int    `json:"code"`
	Success *bool  `json:"success,omitempty"`
	Msg     string `json:"msg,omitempty"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// OK reports success: an explicit success flag wins, otherwise code 0.
func (e Envelope[T]) OK() bool {
	if e.Success != nil {
		return *e.Success
	}
	return e.Code == 0
}

// Text returns whichever message field the endpoint filled in.
func (e Envelope[T]) Text() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// Error describes an envelope that decoded but reported failure.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream reported code %d", e.Code)
	}
	return fmt.Sprintf("upstream reported code %d: %s", e.Code, e.Message)
}

// Decode parses raw as an Envelope[T].
func Decode[T any](raw []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Data decodes raw and returns its payload, or an *Error when the envelope
// reports failure.
func Data[T any](raw []byte) (T, error) {
	env, err := Decode[T](raw)
	if err != nil {
		var zero T
		return zero, err
	}
	if !env.OK() {
		var zero T
		return zero, &Error{Code: env.Code, Message: env.Text()}
	}
	return env.Data, nil
}
