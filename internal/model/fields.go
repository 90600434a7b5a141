package model

import (
	"fmt"
	"math"
	"time"

	"github.com/ahkfinance/devicelock/internal/errs"
)

// Device record field names.
const (
	FieldDeviceID             = "deviceId"
	FieldLocked               = "locked"
	FieldDueDate              = "dueDate"
	FieldDueAmount            = "dueAmount"
	FieldDueDetails           = "dueDetails"
	FieldCustomerName         = "customerName"
	FieldCustomerPhone        = "customerPhone"
	FieldDeviceModel          = "deviceModel"
	FieldIMEI                 = "imei"
	FieldPINHash              = "pinHash"
	FieldPaymentLink          = "paymentLink"
	FieldPaymentLinkUpdatedAt = "paymentLinkUpdatedAt"
	FieldLastSeenTimestamp    = "lastSeenTimestamp"
	FieldOfflineUnlockCount   = "offlineUnlockCount"
	FieldLastOfflineUnlock    = "lastOfflineUnlock"
)

// Date and time layouts used across the system.
const (
	DueDateLayout  = "2006-01-02" // device record dueDate
	LogDateLayout  = "02-01-2006" // position point date
	LogTimeLayout  = "3:04 PM"    // position point time
	DefaultPayment = "https://shop.bkash.com/ahk-phone-repair01630138471/paymentlink"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
)

var deviceFields = map[string]fieldKind{
	FieldDeviceID:             kindString,
	FieldLocked:               kindBool,
	FieldDueDate:              kindString,
	FieldDueAmount:            kindString,
	FieldDueDetails:           kindString,
	FieldCustomerName:         kindString,
	FieldCustomerPhone:        kindString,
	FieldDeviceModel:          kindString,
	FieldIMEI:                 kindString,
	FieldPINHash:              kindString,
	FieldPaymentLink:          kindString,
	FieldPaymentLinkUpdatedAt: kindInt,
	FieldLastSeenTimestamp:    kindInt,
	FieldOfflineUnlockCount:   kindInt,
	FieldLastOfflineUnlock:    kindInt,
}

// Fields is a partial device record keyed by field name.
type Fields map[string]any

// NormalizeFields checks every key against the device schema and coerces
// numeric values (JSON and structpb decode numbers as float64) to int64.
func NormalizeFields(in map[string]any) (Fields, error) {
	out := make(Fields, len(in))
	for k, v := range in {
		kind, ok := deviceFields[k]
		if !ok {
			return nil, errs.Validationf("unknown field %q", k)
		}
		switch kind {
		case kindString:
			s, ok := v.(string)
			if !ok {
				return nil, errs.Validationf("field %q must be a string", k)
			}
			out[k] = s
		case kindBool:
			b, ok := v.(bool)
			if !ok {
				return nil, errs.Validationf("field %q must be a bool", k)
			}
			out[k] = b
		case kindInt:
			n, err := toInt64(v)
			if err != nil {
				return nil, errs.Validationf("field %q: %v", k, err)
			}
			if n < 0 {
				return nil, errs.Validationf("field %q must be non-negative", k)
			}
			out[k] = n
		}
	}
	if d, ok := out[FieldDueDate].(string); ok && d != "" {
		if _, err := time.Parse(DueDateLayout, d); err != nil {
			return nil, errs.Validationf("dueDate must be YYYY-MM-DD")
		}
	}
	return out, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// Int returns an integer field or 0.
func (f Fields) Int(k string) int64 {
	n, _ := toInt64(f[k])
	return n
}

// String returns a string field or "".
func (f Fields) String(k string) string {
	s, _ := f[k].(string)
	return s
}

// Bool returns a bool field or false.
func (f Fields) Bool(k string) bool {
	b, _ := f[k].(bool)
	return b
}

// Has reports whether the field is present.
func (f Fields) Has(k string) bool {
	_, ok := f[k]
	return ok
}
