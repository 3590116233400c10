// Package features turns raw captured fields into the fixed-order float64
// vectors the classifier consumes.
package features

import (
	"math"
	"math/big"
	"net/netip"
	"strconv"
	"strings"
)

// Reserved out-of-domain values. Every legitimate feature value is
// non-negative, so these never collide with real data.
const (
	// Missing marks an absent or null field.
	Missing = -3.0
	// Unparseable marks a value that could not be read as a number.
	Unparseable = -4.0
)

// Coerce maps any captured value to a finite float64. It never fails:
// nulls become Missing and anything that is not numeric, hexadecimal,
// a dotted-quad IPv4 address or a decimal float becomes Unparseable.
func Coerce(v any) float64 {
	switch x := v.(type) {
	case nil:
		return Missing
	case float64:
		return coerceFloat(x)
	case float32:
		return coerceFloat(float64(x))
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		return CoerceString(x)
	default:
		return Unparseable
	}
}

// a NaN cell is a missing cell
func coerceFloat(f float64) float64 {
	if math.IsNaN(f) {
		return Missing
	}
	if math.IsInf(f, 0) {
		return Unparseable
	}
	return f
}

// CoerceString applies the string rules of Coerce.
func CoerceString(s string) float64 {
	if strings.HasPrefix(s, "0x") {
		return parseHex(s[2:])
	}

	if !strings.Contains(s, ".") {
		return Unparseable
	}

	if strings.Count(s, ".") == 3 {
		return parseIPv4(s)
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Unparseable
	}
	return f
}

func parseHex(digits string) float64 {
	if digits == "" {
		return Unparseable
	}
	u, err := strconv.ParseUint(digits, 16, 64)
	if err == nil {
		return float64(u)
	}
	if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
		return Unparseable
	}
	// wider than 64 bits: still a valid integer
	b, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return Unparseable
	}
	f, _ := new(big.Float).SetInt(b).Float64()
	if math.IsInf(f, 0) {
		return Unparseable
	}
	return f
}

func parseIPv4(s string) float64 {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return Unparseable
	}
	return float64(IPv4ToUint32(addr))
}

// IPv4ToUint32 returns the big-endian integer value of an IPv4 address.
func IPv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
