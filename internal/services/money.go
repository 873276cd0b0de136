package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// validateAmount accepts strictly positive amounts with at most two decimal places.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: %s has more than two decimal places", ErrInvalidAmount, amount)
	}
	return nil
}

// validatePrice applies the amount rules plus the configured price band.
func validatePrice(price, min, max decimal.Decimal) error {
	if err := validateAmount(price); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if price.LessThan(min) || price.GreaterThan(max) {
		return fmt.Errorf("%w: %s outside %s-%s", ErrInvalidPrice, price.StringFixed(2), min.StringFixed(2), max.StringFixed(2))
	}
	return nil
}

// feeSplit splits gross into the amount kept by the fee account and the remainder.
func feeSplit(gross, rate decimal.Decimal) (net, fee decimal.Decimal) {
	fee = gross.Mul(rate).Round(2)
	return gross.Sub(fee), fee
}
