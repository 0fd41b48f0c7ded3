package command

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dunamismax/magickflow/internal/domain"
)

const (
	maxDimension = 10000
	maxTextBytes = 1024
)

var (
	formatPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)
	colorPattern  = regexp.MustCompile(`^(#[0-9a-fA-F]{3,12}|[a-zA-Z][a-zA-Z0-9]{0,31}|(rgb|rgba|hsl|hsla|gray|cmyk)\([0-9., %]{1,48}\))$`)
)

var gravities = map[string]struct{}{
	"northwest": {}, "north": {}, "northeast": {},
	"west": {}, "center": {}, "east": {},
	"southwest": {}, "south": {}, "southeast": {},
}

// Params are the raw operation parameters as supplied by the caller.
// An absent or blank value selects the documented default.
type Params map[string]string

func (p Params) raw(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p Params) String(key, fallback string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return fallback
}

// Text returns the value verbatim, without trimming, so annotations keep their spacing.
func (p Params) Text(key, fallback string) string {
	v, ok := p[key]
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (p Params) Int(key string, fallback, lo, hi int) (int, error) {
	v, ok := p.raw(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid(key, "must be an integer, got "+strconv.Quote(v))
	}
	if n < lo || n > hi {
		return 0, invalid(key, "must be between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
	}
	return n, nil
}

// Float parses a finite number in [lo, hi]. When openLow is set lo itself is rejected.
func (p Params) Float(key string, fallback, lo, hi float64, openLow bool) (float64, error) {
	v, ok := p.raw(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid(key, "must be a finite number, got "+strconv.Quote(v))
	}
	if f > hi || f < lo || (openLow && f == lo) {
		bound := "["
		if openLow {
			bound = "("
		}
		return 0, invalid(key, "must be within "+bound+formatFloat(lo)+", "+formatFloat(hi)+"]")
	}
	return f, nil
}

func (p Params) Bool(key string, fallback bool) (bool, error) {
	v, ok := p.raw(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, invalid(key, "must be true or false, got "+strconv.Quote(v))
	}
	return b, nil
}

func (p Params) Gravity(key, fallback string) (string, error) {
	v := strings.ToLower(p.String(key, fallback))
	if _, ok := gravities[v]; !ok {
		return "", invalid(key, "unsupported gravity "+strconv.Quote(v))
	}
	return v, nil
}

func (p Params) Color(key, fallback string) (string, error) {
	v := p.String(key, fallback)
	if !colorPattern.MatchString(v) {
		return "", invalid(key, "unsupported color "+strconv.Quote(v))
	}
	return v, nil
}

func (p Params) Format(key, fallback string) (string, error) {
	v := strings.ToLower(p.String(key, fallback))
	if !formatPattern.MatchString(v) {
		return "", invalid(key, "must be 1-8 lowercase letters or digits")
	}
	return v, nil
}

func invalid(field, reason string) error {
	return &domain.ValidationError{Field: field, Reason: reason}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
