// Package market holds the typed records passed between pipeline stages.
package market

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// PriceSample is a single observation of one contract's price.
type PriceSample struct {
	ContractCode string    `json:"contract_code" validate:"required"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	Price        float64   `json:"price" validate:"gt=0,finite"`
	Currency     string    `json:"currency,omitempty"`
	Unit         string    `json:"unit,omitempty"`
}

// SpreadRecord is the normalized spread of one pair at one point in time.
type SpreadRecord struct {
	PairID                string          `json:"pair_id" validate:"required"`
	DomesticCode          string          `json:"domestic_contract" validate:"required"`
	ForeignCode           string          `json:"foreign_contract" validate:"required"`
	Timestamp             time.Time       `json:"timestamp" validate:"required"`
	DomesticPrice         decimal.Decimal `json:"domestic_price" validate:"gt=0"`
	ForeignPriceNative    decimal.Decimal `json:"foreign_price_native" validate:"gt=0"`
	ForeignPriceConverted decimal.Decimal `json:"foreign_price_converted" validate:"gt=0"`
	SpreadAbsolute        decimal.Decimal `json:"spread_absolute"`
	SpreadPercent         decimal.Decimal `json:"spread_percent"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks field presence and ranges of a price sample.
func (s PriceSample) Validate() error {
	if math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return fmt.Errorf("sample %s: price is not finite", s.ContractCode)
	}
	return describe(validate.Struct(s))
}

// Validate checks field presence and ranges of a spread record.
func (r SpreadRecord) Validate() error {
	return describe(validate.Struct(r))
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("invalid %s: failed %q check", fe.Namespace(), fe.Tag())
	}
	return err
}
