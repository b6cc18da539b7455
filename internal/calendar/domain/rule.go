package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// NormalizeRule parses an RRULE value and returns it in canonical form, so
// that equal rules compare equal as strings.
func NormalizeRule(rule string) (string, error) {
	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		rule = rule[6:]
	}
	rule = strings.ToUpper(strings.Trim(rule, "; "))
	if rule == "" {
		return "", ErrEmptyRule
	}
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return "", fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	if opt.Interval == 1 {
		opt.Interval = 0
	}
	opt.Dtstart = time.Time{}
	return opt.RRuleString(), nil
}
