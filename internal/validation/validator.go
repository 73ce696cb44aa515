// Package validation checks resolved host configurations before labctl acts
// on them.
//
// Struct tags on the models are evaluated with go-playground/validator,
// extended with lab specific tags:
//   - imageref: a container image reference (go-containerregistry)
//   - portspec: a host:container port mapping (docker/go-connections)
//   - bytesize: a human readable size such as 512m or 1g (docker/go-units)
//   - octalmode: an octal file mode such as 1777
//
// # Usage Example
//
//	v := validation.New()
//	if result := v.ValidateHost(&host); !result.Valid {
//	    for _, e := range result.Errors {
//	        fmt.Printf("%s: %s\n", e.Field, e.Message)
//	    }
//	}
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/google/go-containerregistry/pkg/name"

	"evalgo.org/labctl/models"
)

// Validator validates lab models.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate
}

// ValidationError is a single field-level problem.
type ValidationError struct {
	// Field is the namespaced field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the offending value (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult is the outcome of one validation run.
type ValidationResult struct {
	// Valid is true if no errors were found
	Valid bool `json:"valid"`

	// Errors lists every problem found
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err folds the result into a single error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Field + ": " + e.Message
	}
	return errors.New(strings.Join(msgs, "; "))
}

// New creates a Validator with the lab specific tags registered.
func New() *Validator {
	v := validator.New()
	mustRegister(v, "imageref", func(fl validator.FieldLevel) bool {
		return IsImageRef(fl.Field().String())
	})
	mustRegister(v, "portspec", func(fl validator.FieldLevel) bool {
		return IsPortSpec(fl.Field().String())
	})
	mustRegister(v, "bytesize", func(fl validator.FieldLevel) bool {
		_, err := units.RAMInBytes(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "octalmode", func(fl validator.FieldLevel) bool {
		_, err := strconv.ParseUint(fl.Field().String(), 8, 32)
		return err == nil
	})
	return &Validator{structValidator: v}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// IsImageRef reports whether s parses as an image reference.
func IsImageRef(s string) bool {
	_, err := name.ParseReference(s)
	return err == nil
}

// IsPortSpec reports whether s parses as a port mapping.
func IsPortSpec(s string) bool {
	_, err := nat.ParsePortSpec(s)
	return err == nil
}

// Struct validates any tagged struct.
func (v *Validator) Struct(s interface{}) *ValidationResult {
	return v.result(v.convert(v.structValidator.Struct(s)))
}

// ValidateHost validates a resolved HostConfig, including its port
// bindings.
func (v *Validator) ValidateHost(host *models.HostConfig) *ValidationResult {
	errs := v.convert(v.structValidator.Struct(host))

	for i, p := range host.Ports {
		spec := p.HostPort + ":" + p.ContainerPort
		if !IsPortSpec(spec) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("HostConfig.Ports[%d]", i),
				Message: "invalid port mapping",
				Value:   spec,
			})
		}
	}
	if host.ShutdownTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "HostConfig.ShutdownTimeout",
			Message: "must not be negative",
			Value:   host.ShutdownTimeout.String(),
		})
	}
	return v.result(errs)
}

func (v *Validator) result(errs []ValidationError) *ValidationResult {
	return &ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (v *Validator) convert(err error) []ValidationError {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: "document", Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Namespace(),
			Message: message(fe),
			Value:   fe.Value(),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_unless":
		return "is required for this mount type"
	case "excluded_if":
		return "is not allowed for this mount type"
	case "oneof":
		return "must be one of " + fe.Param()
	case "imageref":
		return "is not a valid image reference"
	case "portspec":
		return "is not a valid port mapping"
	case "bytesize":
		return "is not a valid size"
	case "octalmode":
		return "is not an octal file mode"
	case "startswith":
		return "must start with " + fe.Param()
	case "min", "max":
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}
