package validation

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// amounts are charged in minor units, so fractions of a cent are rejected
	v.RegisterStructValidation(createPaymentStructValidation, CreatePaymentRequest{})

	return v
}

func createPaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreatePaymentRequest)

	cents := req.Amount * 100
	if math.Abs(cents-math.Round(cents)) > 1e-6 {
		sl.ReportError(req.Amount, "amount", "Amount", "whole_cents", fmt.Sprintf("%.4f", req.Amount))
	}
}
