// Package validate wraps go-playground/validator for application commands and queries.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
	})
	return instance
}

// Struct validates v by its `validate` tags. Field errors are reported as a
// single shared.ErrValidation domain error listing field=tag pairs.
func Struct(op string, v any) error {
	err := get().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return shared.WrapError("application", op, shared.ErrValidation, "validation failed", err)
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s=%s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	sort.Strings(fields)

	return shared.WrapError("application", op, shared.ErrValidation, "validation failed",
		errors.New(strings.Join(fields, ", ")))
}
