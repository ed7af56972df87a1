package core

import (
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"jaquizy/internal/types"
)

// Validator wraps go-playground/validator to register domain-specific
// rules and translate failures into structured AppErrors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation
// tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	// quota: the value must name a known quota.
	_ = v.RegisterValidation("quota", func(fl validator.FieldLevel) bool {
		name := types.QuotaName(fl.Field().String())
		for _, q := range types.AllQuotas {
			if q == name {
				return true
			}
		}
		return false
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct runs struct tag validation on dst and translates the
// first batch of failures into a single AppError carrying per-field
// details.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed unexpectedly", err)
	}

	details := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationMissingField
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
		if fe.Tag() != "required" {
			code = codeForTag(fe.Tag())
		}
	}

	return types.NewAppErrorWithDetails(code, "request validation failed", err, details)
}

func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "quota":
		return types.ErrCodeValidationInvalidQuota
	case "min", "max", "gt", "gte":
		return types.ErrCodeValidationInvalidAmount
	default:
		return types.ErrCodeValidationInvalidJSON
	}
}
