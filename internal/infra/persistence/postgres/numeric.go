package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("numeric value required")
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal string pointer into a pgtype.Numeric.
func numericFromOptional(ptr *string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if ptr == nil {
		return out, nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return out, nil
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromDecimal converts a decimal.Decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	return numericFromString(value.String())
}

// decimalFromText parses the text projection of a NUMERIC column.
func decimalFromText(value string) (decimal.Decimal, error) {
	out, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", value, err)
	}
	return out, nil
}
