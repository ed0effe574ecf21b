package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/medibill/pkg/money"
	"go.uber.org/fx"
)

var Module = fx.Module("validation",
	fx.Provide(New),
)

// New returns a validator that reports JSON field names and knows the
// domain-specific tags "snowflake" and "money".
func New() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("snowflake", validateSnowflake)
	_ = validate.RegisterValidation("money", validateMoney)
	return validate
}

// FirstViolation returns the JSON field name and failing tag of the first
// validation error, if err is one.
func FirstViolation(err error) (field string, tag string, ok bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "", "", false
	}
	return verrs[0].Field(), verrs[0].Tag(), true
}

func validateSnowflake(fl validator.FieldLevel) bool {
	id, err := snowflake.ParseString(strings.TrimSpace(fl.Field().String()))
	return err == nil && id > 0
}

func validateMoney(fl validator.FieldLevel) bool {
	_, err := money.ParseRounded(fl.Field().String())
	return err == nil
}
