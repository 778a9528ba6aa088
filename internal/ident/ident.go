// Package ident validates the identifiers and date windows accepted at the
// exchange's boundaries. Malformed input is reported as model.ErrValidation
// before any engine touches the store.
package ident

import (
	"fmt"
	"regexp"
	"time"

	"github.com/teamexchange/market-engine/internal/model"
)

// Kinds of identifier, used in error messages.
const (
	KindTeam    = "team"
	KindUser    = "user"
	KindFixture = "fixture"
	KindKey     = "idempotency key"
)

// idRegex matches ids such as "team-arsenal", "u_1042" or a UUID.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

// keyRegex is looser: callers often use composite keys like
// "stripe:evt_1Nx...:charge".
var keyRegex = regexp.MustCompile(`^[\x21-\x7e]{1,128}$`)

// WeekLayout is the date format of a leaderboard week boundary.
const WeekLayout = "2006-01-02"

// Validate checks that id is a well-formed identifier of the given kind.
func Validate(kind, id string) error {
	if id == "" {
		return model.Validationf("%s id is required", kind)
	}
	if !idRegex.MatchString(id) {
		return model.Validationf("malformed %s id %q", kind, id)
	}
	return nil
}

// ValidateAll validates several ids of the same kind.
func ValidateAll(kind string, ids ...string) error {
	for _, id := range ids {
		if err := Validate(kind, id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateKey checks an optional idempotency key. The empty key is valid
// and means "no deduplication".
func ValidateKey(key string) error {
	if key == "" {
		return nil
	}
	if !keyRegex.MatchString(key) {
		return model.Validationf("malformed %s %q", KindKey, key)
	}
	return nil
}

// ParseWeek parses a week start date (YYYY-MM-DD, UTC) and returns the
// half-open window [start, start+7d).
func ParseWeek(s string) (start, end time.Time, err error) {
	start, err = time.Parse(WeekLayout, s)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid week start %q (expected %s)",
			model.ErrValidation, s, WeekLayout)
	}
	return start, start.AddDate(0, 0, 7), nil
}

// ValidateWindow checks that [start, end) is a non-empty window.
func ValidateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return model.Validationf("window bounds are required")
	}
	if !end.After(start) {
		return model.Validationf("window end %s must be after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}
