// Package validate implements the inbound-frame validator (spec §4.6): a
// size cap, a bounded-depth JSON structural check performed without fully
// materialising an over-deep value, and a minimal schema check on the
// decoded envelope. It runs before any handler dispatch — on failure the
// caller returns a typed server:error frame and leaves the connection open.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

// Config holds the validator's tunables. Zero values fall back to the
// documented defaults via WithDefaults.
type Config struct {
	// MaxMessageSize is the maximum accepted frame size in bytes.
	MaxMessageSize int
	// MaxJSONDepth is the maximum accepted JSON nesting depth.
	MaxJSONDepth int
}

const (
	defaultMaxMessageSize = 64 * 1024
	defaultMaxJSONDepth   = 10
)

// WithDefaults returns a copy of cfg with zero fields replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MaxJSONDepth <= 0 {
		cfg.MaxJSONDepth = defaultMaxJSONDepth
	}
	return cfg
}

// ValidationError pairs a protocol error code with a human-readable message,
// so callers can turn it directly into a protocol.ErrorFrame.
type ValidationError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errSize() error {
	return &ValidationError{protocol.ErrMessageTooLarge, "frame exceeds the maximum accepted size"}
}

func errJSON(detail string) error {
	return &ValidationError{protocol.ErrInvalidJSON, "frame is not valid JSON: " + detail}
}

func errDepth() error {
	return &ValidationError{protocol.ErrJSONTooDeep, "frame JSON nesting exceeds the maximum accepted depth"}
}

func errSchema(detail string) error {
	return &ValidationError{protocol.ErrInvalidMessage, detail}
}

// Validator applies the §4.6 pipeline to raw inbound frame bytes.
type Validator struct {
	cfg Config
}

// New creates a Validator with the given config, applying defaults for any
// zero fields.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg.WithDefaults()}
}

// Validate runs the full pipeline: size cap, depth-bounded structural scan,
// then a standard json.Unmarshal into protocol.Frame (the schema check).
// On success it returns the decoded Frame. The first failing stage short
// circuits — later stages never run over data that failed an earlier one.
func (v *Validator) Validate(raw []byte) (protocol.Frame, error) {
	if len(raw) > v.cfg.MaxMessageSize {
		return protocol.Frame{}, errSize()
	}

	if err := checkDepth(raw, v.cfg.MaxJSONDepth); err != nil {
		return protocol.Frame{}, err
	}

	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return protocol.Frame{}, errJSON(err.Error())
	}

	if frame.Type == "" {
		return protocol.Frame{}, errSchema("frame is missing a \"type\" field")
	}

	return frame, nil
}

// checkDepth walks raw as a JSON token stream and rejects it once nesting
// exceeds maxDepth, without ever unmarshalling the value into a tree. This
// keeps an attacker-supplied deeply-nested payload from materialising
// recursive structures proportional to the nesting depth before the check
// can run — the scan itself is O(n) in the number of tokens and O(1) in
// extra memory regardless of how deep the (rejected) input claims to be.
func checkDepth(raw []byte, maxDepth int) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errJSON(err.Error())
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return errDepth()
				}
			case '}', ']':
				depth--
			}
		}
	}
}
