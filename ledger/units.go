package ledger

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EtherDecimals is the number of fractional digits between ether and wei.
const EtherDecimals = 18

var (
	decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	weiPerEther    = new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)
)

// ParseEther converts a decimal ether amount ("1.5") into wei exactly.
// Amounts with more than 18 fractional digits are rejected rather than rounded.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("ledger: malformed amount %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")
	if len(frac) > EtherDecimals {
		return nil, fmt.Errorf("ledger: amount %q has more than %d decimals", s, EtherDecimals)
	}
	digits := whole + frac + strings.Repeat("0", EtherDecimals-len(frac))
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed amount %q", s)
	}
	return wei, nil
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	sign := ""
	v := new(big.Int).Set(wei)
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	whole, frac := new(big.Int).QuoRem(v, weiPerEther, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	fracDigits := frac.String()
	fracDigits = strings.Repeat("0", EtherDecimals-len(fracDigits)) + fracDigits
	return sign + whole.String() + "." + strings.TrimRight(fracDigits, "0")
}

// ParseDueDate accepts unix seconds or an RFC 3339 timestamp.
func ParseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("ledger: empty due date")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, fmt.Errorf("ledger: due date %q must be positive", s)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: malformed due date %q", s)
	}
	if t.Unix() <= 0 {
		return time.Time{}, fmt.Errorf("ledger: due date %q must be after the epoch", s)
	}
	return t.UTC(), nil
}
