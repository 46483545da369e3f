package auditledger

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationResult reports the outcome of a schema check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// SchemaValidator checks a record against a named schema revision before it
// is persisted.
type SchemaValidator interface {
	Validate(record any, schemaRef string) ValidationResult
}

// StructValidator is the default SchemaValidator. Schema rules live in the
// `validate` tags of AuditEvent and its nested types.
type StructValidator struct {
	v *validator.Validate
}

// NewStructValidator returns a StructValidator that knows the current schema revision.
func NewStructValidator() *StructValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).Valid()
	})
	return &StructValidator{v: v}
}

// Validate implements SchemaValidator.
func (s *StructValidator) Validate(record any, schemaRef string) ValidationResult {
	if schemaRef != SchemaVersion {
		return ValidationResult{Errors: []string{fmt.Sprintf("unsupported schema version %q", schemaRef)}}
	}
	err := s.v.Struct(record)
	if err == nil {
		return ValidationResult{Valid: true}
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return ValidationResult{Errors: out}
}
