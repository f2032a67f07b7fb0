// Package money converts decimal-string amounts to an integer base-units
// representation and back, so that all engine arithmetic (percent-of,
// splitting, comparison) happens over integers rather than floating point.
//
// No decimal-arithmetic library is present anywhere in the reference corpus;
// this is grounded on the same "large quantities as math/big.Int" posture
// bacalhau uses for chain-scale values (see DESIGN.md).
package money

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed number of fractional digits used for base-unit
// conversion. Four decimal places matches the spec's milestone rounding
// (round(..., 4 decimals)).
const Decimals = 4

var scale = pow10(Decimals)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Units is an amount expressed in integer base units (10^-Decimals of the
// display unit).
type Units struct {
	v *big.Int
}

// bi returns the underlying big.Int, treating the zero value of Units
// (e.g. an unset map entry) as zero.
func (u Units) bi() *big.Int {
	if u.v == nil {
		return big.NewInt(0)
	}
	return u.v
}

// Zero returns the zero amount.
func Zero() Units { return Units{v: big.NewInt(0)} }

// FromUnits wraps a raw base-unit integer.
func FromUnits(u int64) Units { return Units{v: big.NewInt(u)} }

// Parse converts a decimal string ("10", "9.5", "1.8000") into base units.
func Parse(s string) (Units, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Units{}, fmt.Errorf("money: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		frac = frac[:Decimals] // truncate excess precision, spec rounds explicitly where it matters
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	combined := whole + frac
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return Units{}, fmt.Errorf("money: invalid amount %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return Units{v: v}, nil
}

// MustParse panics on invalid input; used for compile-time-known constants.
func MustParse(s string) Units {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String renders the amount back to a decimal string with Decimals
// fractional digits.
func (u Units) String() string {
	v := new(big.Int).Set(u.bi())
	neg := v.Sign() < 0
	if neg {
		v.Neg(v)
	}
	s := v.String()
	for len(s) <= Decimals {
		s = "0" + s
	}
	whole := s[:len(s)-Decimals]
	frac := s[len(s)-Decimals:]
	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// Int64 returns the raw base-unit value.
func (u Units) Int64() int64 { return u.bi().Int64() }

func (u Units) Add(o Units) Units { return Units{v: new(big.Int).Add(u.bi(), o.bi())} }
func (u Units) Sub(o Units) Units { return Units{v: new(big.Int).Sub(u.bi(), o.bi())} }

func (u Units) Cmp(o Units) int { return u.bi().Cmp(o.bi()) }
func (u Units) IsZero() bool    { return u.bi().Sign() == 0 }
func (u Units) IsNeg() bool     { return u.bi().Sign() < 0 }
func (u Units) IsPositive() bool { return u.bi().Sign() > 0 }

// PercentOf computes round(u * percent / 100), rounding halves away from
// zero, matching the spec's round(basePrice*percent/100).
func (u Units) PercentOf(percent int) Units {
	num := new(big.Int).Mul(u.bi(), big.NewInt(int64(percent)))
	den := big.NewInt(100)
	return Units{v: divRound(num, den)}
}

func divRound(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	r2 := new(big.Int).Mul(r, big.NewInt(2))
	r2.Abs(r2)
	if r2.Cmp(new(big.Int).Abs(den)) >= 0 {
		if num.Sign() >= 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}
	return q
}

// Split divides u into n non-negative parts summing exactly to u; the first
// r = u mod n parts receive one extra base unit, per spec §4.7's milestone
// splitting rule. Parts equal to zero are omitted from the result.
func Split(u Units, n int) []Units {
	if n <= 0 {
		return nil
	}
	total := new(big.Int).Set(u.bi())
	nBig := big.NewInt(int64(n))
	base, rem := new(big.Int).QuoRem(total, nBig, new(big.Int))
	r := int(rem.Int64())
	out := make([]Units, 0, n)
	for i := 0; i < n; i++ {
		part := new(big.Int).Set(base)
		if i < r {
			part.Add(part, big.NewInt(1))
		}
		if part.Sign() != 0 {
			out = append(out, Units{v: part})
		}
	}
	return out
}
