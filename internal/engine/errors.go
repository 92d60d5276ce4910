package engine

import "errors"

// Error taxonomy shared across the registry, dispatcher and bridge API.
var (
	ErrInvalidRequest    = errors.New("invalid synthesis request")
	ErrInvalidVoice      = errors.New("requested voice not offered by engine")
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrSynthesisFailed   = errors.New("synthesis failed")
	ErrNoEngineAvailable = errors.New("no synthesis engine available")
	ErrAllEnginesFailed  = errors.New("all candidate engines failed")
	ErrDuplicateEngine   = errors.New("engine name already registered")
)

// Wire-level error_kind codes. The client SDK adds bridge_unreachable for
// network failures on its side of the boundary.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidVoice      = "invalid_voice"
	CodeEngineUnavailable = "engine_unavailable"
	CodeSynthesisFailed   = "synthesis_failed"
	CodeNoEngineAvailable = "no_engine_available"
	CodeAllEnginesFailed  = "all_engines_failed"
	CodeDuplicateEngine   = "duplicate_engine_name"
	CodeInternal          = "internal"
)

// Code maps an error onto its wire error_kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrInvalidVoice):
		return CodeInvalidVoice
	case errors.Is(err, ErrEngineUnavailable):
		return CodeEngineUnavailable
	case errors.Is(err, ErrSynthesisFailed):
		return CodeSynthesisFailed
	case errors.Is(err, ErrNoEngineAvailable):
		return CodeNoEngineAvailable
	case errors.Is(err, ErrAllEnginesFailed):
		return CodeAllEnginesFailed
	case errors.Is(err, ErrDuplicateEngine):
		return CodeDuplicateEngine
	default:
		return CodeInternal
	}
}
