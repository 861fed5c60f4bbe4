package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/featurespec/internal/guardrail"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/registry"
	"github.com/ashita-ai/featurespec/internal/router"
)

// Kind classifies a request failure.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnknownModel     Kind = "unknown_model"
	KindRoutingExhausted Kind = "routing_exhausted"
	KindStorage          Kind = "storage"
	KindGuardrail        Kind = "guardrail_error"
)

// Failure is the structured error returned by Execute.
type Failure struct {
	Kind  Kind
	RunID int64
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("orchestrator: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// guardrailError marks a validator that could not run.
type guardrailError struct {
	kind model.GuardrailType
	err  error
}

func (e *guardrailError) Error() string {
	return fmt.Sprintf("%s guardrail: %v", e.kind, e.err)
}

func (e *guardrailError) Unwrap() error { return e.err }

// kindOf maps a lower-layer error to a failure kind.
func kindOf(err error) Kind {
	var (
		exhausted *router.RoutingExhaustedError
		gErr      *guardrailError
	)
	switch {
	case errors.As(err, &exhausted):
		return KindRoutingExhausted
	case errors.Is(err, guardrail.ErrRejected):
		return KindValidation
	case errors.Is(err, registry.ErrUnknownModel):
		return KindUnknownModel
	case errors.As(err, &gErr):
		return KindGuardrail
	default:
		return KindStorage
	}
}
