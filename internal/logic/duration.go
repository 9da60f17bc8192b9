package logic

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DurationUnit is the unit a Duration magnitude is expressed in.
type DurationUnit int

const (
	UnitSeconds DurationUnit = iota
	UnitMinutes
	UnitHours
	UnitDays
	UnitWeeks
	UnitMonths
	UnitYears
)

var durationUnitNames = [...]string{"SECONDS", "MINUTES", "HOURS", "DAYS", "WEEKS", "MONTHS", "YEARS"}

func (u DurationUnit) String() string {
	if int(u) < len(durationUnitNames) {
		return durationUnitNames[u]
	}
	return "UNKNOWN"
}

// ParseDurationUnit accepts singular or plural unit names, case-insensitively.
func ParseDurationUnit(s string) (DurationUnit, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range durationUnitNames {
		if s == name || s+"S" == name {
			return DurationUnit(i), true
		}
	}
	return 0, false
}

// Months and years use fixed 30 and 365 day approximations; they are not
// calendar aware.
var (
	// Sub-day units divide rather than multiply so whole-day spans convert exactly.
	unitsPerDay = [...]float64{86400, 1440, 24}
	daysPerUnit = [...]float64{0, 0, 0, 1, 7, 30, 365}

	millisPerUnit = [...]int64{
		1_000,
		60_000,
		3_600_000,
		86_400_000,
		604_800_000,
		2_628_000_000,
		31_536_000_000,
	}
)

// Duration is an immutable time span. Build one with the unit constructors
// (Seconds, Days, Months, ...).
type Duration struct {
	magnitude float64
	unit      DurationUnit
}

func NewDuration(magnitude float64, unit DurationUnit) Duration {
	return Duration{magnitude: magnitude, unit: unit}
}

func Seconds(n float64) Duration { return Duration{magnitude: n, unit: UnitSeconds} }

func Minutes(n float64) Duration { return Duration{magnitude: n, unit: UnitMinutes} }

func Hours(n float64) Duration { return Duration{magnitude: n, unit: UnitHours} }

func Days(n float64) Duration { return Duration{magnitude: n, unit: UnitDays} }

func Weeks(n float64) Duration { return Duration{magnitude: n, unit: UnitWeeks} }

func Months(n float64) Duration { return Duration{magnitude: n, unit: UnitMonths} }

func Years(n float64) Duration { return Duration{magnitude: n, unit: UnitYears} }

func (d Duration) Magnitude() float64 { return d.magnitude }

func (d Duration) Unit() DurationUnit { return d.unit }

// InDays converts the magnitude to days.
func (d Duration) InDays() float64 {
	if d.unit < UnitDays {
		return d.magnitude / unitsPerDay[d.unit]
	}
	return d.magnitude * daysPerUnit[d.unit]
}

// InMillis truncates the magnitude to an integer before scaling it to
// milliseconds, so Days(1.5).InMillis() is one day.
func (d Duration) InMillis() int64 {
	return int64(d.magnitude) * millisPerUnit[d.unit]
}

// Offset is InDays as a time.Duration, so a month spans exactly 30 days.
// WITHIN windows are measured with it.
func (d Duration) Offset() time.Duration {
	return time.Duration(math.Round(d.InDays() * float64(24*time.Hour)))
}

// Supports reports whether a duration can be the right operand of op. Only
// WITHIN takes a duration.
func (d Duration) Supports(op Operator) bool { return op == OperatorWithin }

func (d Duration) String() string {
	return fmt.Sprintf("%s %s", strconv.FormatFloat(d.magnitude, 'f', -1, 64), d.unit)
}

func (Duration) operand() {}
