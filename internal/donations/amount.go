package donations

import (
	"strconv"
	"strings"
)

// ParseAmount converts a major-unit string such as "25" or "25.50" into
// minor units of code.
func ParseAmount(raw, code string) (int64, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	scale := 0
	for f := minorFactor(code); f >= 10; f /= 10 {
		scale++
	}
	if hasFrac && (len(frac) == 0 || len(frac) > scale) {
		return 0, ErrInvalidAmount
	}
	frac += strings.Repeat("0", scale-len(frac))
	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || major < 0 {
		return 0, ErrInvalidAmount
	}
	minor := int64(0)
	if scale > 0 {
		minor, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || minor < 0 {
			return 0, ErrInvalidAmount
		}
	}
	factor := int64(minorFactor(code))
	total := major*factor + minor
	if total <= 0 || major > (1<<53)/factor {
		return 0, ErrInvalidAmount
	}
	return total, nil
}
