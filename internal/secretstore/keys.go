package secretstore

import (
	"fmt"

	"github.com/ahkfinance/devicelock/internal/model"
)

// Key names one entry of the closed store schema.
type Key string

// Device record mirror.
const (
	KeyDeviceID             Key = model.FieldDeviceID
	KeyLocked               Key = model.FieldLocked
	KeyDueDate              Key = model.FieldDueDate
	KeyDueAmount            Key = model.FieldDueAmount
	KeyDueDetails           Key = model.FieldDueDetails
	KeyCustomerName         Key = model.FieldCustomerName
	KeyCustomerPhone        Key = model.FieldCustomerPhone
	KeyDeviceModel          Key = model.FieldDeviceModel
	KeyIMEI                 Key = model.FieldIMEI
	KeyPINHash              Key = model.FieldPINHash
	KeyPaymentLink          Key = model.FieldPaymentLink
	KeyPaymentLinkUpdatedAt Key = model.FieldPaymentLinkUpdatedAt
	KeyLastSeenTimestamp    Key = model.FieldLastSeenTimestamp
	KeyOfflineUnlockCount   Key = model.FieldOfflineUnlockCount
	KeyLastOfflineUnlock    Key = model.FieldLastOfflineUnlock
)

// Agent-only state.
const (
	KeyIsRegistered           Key = "isRegistered"
	KeyKioskMode              Key = "kioskMode"
	KeyNativeLockDisabled     Key = "nativeLockDisabled"
	KeySequentialLockMode     Key = "sequentialLockMode"
	KeyPaymentLinkLastUpdated Key = "paymentLinkLastUpdated"
)

type kind int

const (
	kindString kind = iota
	kindBool
	kindInt
)

var schema = map[Key]kind{
	KeyDeviceID:               kindString,
	KeyLocked:                 kindBool,
	KeyDueDate:                kindString,
	KeyDueAmount:              kindString,
	KeyDueDetails:             kindString,
	KeyCustomerName:           kindString,
	KeyCustomerPhone:          kindString,
	KeyDeviceModel:            kindString,
	KeyIMEI:                   kindString,
	KeyPINHash:                kindString,
	KeyPaymentLink:            kindString,
	KeyPaymentLinkUpdatedAt:   kindInt,
	KeyLastSeenTimestamp:      kindInt,
	KeyOfflineUnlockCount:     kindInt,
	KeyLastOfflineUnlock:      kindInt,
	KeyIsRegistered:           kindBool,
	KeyKioskMode:              kindBool,
	KeyNativeLockDisabled:     kindBool,
	KeySequentialLockMode:     kindBool,
	KeyPaymentLinkLastUpdated: kindInt,
}

// Keys returns every key of the schema.
func Keys() []Key {
	out := make([]Key, 0, len(schema))
	for k := range schema {
		out = append(out, k)
	}
	return out
}

// coerce returns v converted to the schema type of k.
// Decoders hand back int64, uint64 or float64 for numbers; all become int64.
func coerce(k Key, v any) (any, error) {
	kd, ok := schema[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknown, k)
	}
	switch kd {
	case kindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case uint64:
			return int64(n), nil
		case float64:
			return int64(n), nil
		}
	}
	return nil, fmt.Errorf("secretstore: key %q: unexpected type %T", k, v)
}
