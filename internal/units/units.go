// Package units converts foreign-currency, foreign-unit prices onto the domestic basis.
package units

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Common unit conversion factors.
const (
	TroyOunceGrams     = 31.1035
	PoundsPerMetricTon = 2204.62262
)

// ErrInvalidInput marks malformed numeric input to a conversion or calculation.
var ErrInvalidInput = errors.New("invalid input")

// InputError names the offending argument.
type InputError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s=%v %s", ErrInvalidInput, e.Field, e.Value, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// Convert returns native * fxRate / unitFactor.
func Convert(native, fxRate, unitFactor float64) (decimal.Decimal, error) {
	if err := checkFinite("native_price", native); err != nil {
		return decimal.Decimal{}, err
	}
	if err := checkFinite("fx_rate", fxRate); err != nil {
		return decimal.Decimal{}, err
	}
	if err := checkFinite("unit_factor", unitFactor); err != nil {
		return decimal.Decimal{}, err
	}
	if unitFactor == 0 {
		return decimal.Decimal{}, &InputError{Field: "unit_factor", Value: unitFactor, Reason: "must not be zero"}
	}
	return ConvertDecimal(decimal.NewFromFloat(native), decimal.NewFromFloat(fxRate), decimal.NewFromFloat(unitFactor))
}

// ConvertDecimal is Convert over already-validated decimals.
func ConvertDecimal(native, fxRate, unitFactor decimal.Decimal) (decimal.Decimal, error) {
	if unitFactor.IsZero() {
		return decimal.Decimal{}, &InputError{Field: "unit_factor", Reason: "must not be zero"}
	}
	return native.Mul(fxRate).Div(unitFactor), nil
}

func checkFinite(field string, v float64) error {
	if math.IsNaN(v) {
		return &InputError{Field: field, Value: v, Reason: "is NaN"}
	}
	if math.IsInf(v, 0) {
		return &InputError{Field: field, Value: v, Reason: "is infinite"}
	}
	return nil
}
