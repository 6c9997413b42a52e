package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// CurrencyType is the fixed set of foreign currencies the counter trades.
type CurrencyType string

const (
	CurrencyTypeUSD CurrencyType = "USD"
	CurrencyTypeGBP CurrencyType = "GBP"
	CurrencyTypeEUR CurrencyType = "EUR"
	CurrencyTypeCHF CurrencyType = "CHF"
	CurrencyTypeAUD CurrencyType = "AUD"
	CurrencyTypeNZD CurrencyType = "NZD"
	CurrencyTypeSGD CurrencyType = "SGD"
	CurrencyTypeINR CurrencyType = "INR"
	CurrencyTypeCAD CurrencyType = "CAD"
)

// AllCurrencyTypes is the display order used by balance statements.
var AllCurrencyTypes = []CurrencyType{
	CurrencyTypeUSD,
	CurrencyTypeGBP,
	CurrencyTypeEUR,
	CurrencyTypeCHF,
	CurrencyTypeAUD,
	CurrencyTypeNZD,
	CurrencyTypeSGD,
	CurrencyTypeINR,
	CurrencyTypeCAD,
}

func (t CurrencyType) IsValid() bool {
	switch t {
	case CurrencyTypeUSD, CurrencyTypeGBP, CurrencyTypeEUR, CurrencyTypeCHF,
		CurrencyTypeAUD, CurrencyTypeNZD, CurrencyTypeSGD, CurrencyTypeINR, CurrencyTypeCAD:
		return true
	}
	return false
}

// ParseCurrencyType converts request input to the enum type.
func ParseCurrencyType(s string) (CurrencyType, error) {
	t := CurrencyType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	return t, nil
}

func (t CurrencyType) Value() (driver.Value, error) {
	if !t.IsValid() {
		return nil, errors.New("invalid currency type")
	}
	return string(t), nil
}

func (t *CurrencyType) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*t = CurrencyType(v)
	case []byte:
		*t = CurrencyType(v)
	default:
		return fmt.Errorf("cannot scan %T into CurrencyType", value)
	}
	if !t.IsValid() {
		return fmt.Errorf("invalid currency type %q", string(*t))
	}
	return nil
}
