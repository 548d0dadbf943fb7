// Package pipelineerr defines the error taxonomy shared by every pipeline
// stage (spec §7). Components never raise across stage boundaries; a stage
// wraps the concrete cause with one of these sentinels via errors.Is/As so
// the runner (pipelinerun) can decide whether a failure is local to one
// unit of work or must halt the whole run.
package pipelineerr

import "errors"

// Kind classifies a failure the way the pipeline reasons about it, not by
// Go type. Use Is(err, KindConfig) etc. after wrapping with Wrap.
type Kind int

const (
	// ConfigError: malformed or incomplete configuration. Fatal, surfaced
	// before any work starts.
	KindConfig Kind = iota
	// NotFound: expected input missing. The stage warns and skips the unit.
	KindNotFound
	// IOError: unreadable source or unwritable destination.
	KindIO
	// DataQualityError: HPI has fewer than 3 coils, no peaks, or every gof
	// is at or below threshold.
	KindDataQuality
	// ExternalFailure: a subprocess returned non-zero.
	KindExternal
	// SchemaError: a ConversionRow was classified Check.
	KindSchema
	// Cancelled: user/runner cancellation signal.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindNotFound:
		return "NotFound"
	case KindIO:
		return "IOError"
	case KindDataQuality:
		return "DataQualityError"
	case KindExternal:
		return "ExternalFailure"
	case KindSchema:
		return "SchemaError"
	case KindCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// Error wraps an underlying cause with a pipeline Kind.
type Error struct {
	Kind Kind
	Unit string // e.g. "sub-0953/241104" or a file path
	Err  error
}

func (e *Error) Error() string {
	if e.Unit != "" {
		return e.Kind.String() + " [" + e.Unit + "]: " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(kind Kind, unit string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Unit: unit, Err: err}
}

// Is lets callers write errors.Is(err, pipelineerr.KindDataQuality)-style
// checks against a bare Kind by comparing the wrapped Kind field.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

var ErrCancelled = errors.New("operation cancelled")
