// Package result defines the loosely-typed value produced and consumed by the
// logic engine. A Result is either empty, a single typed value, or a list of
// single values.
package result

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Datatype tags the value carried by a single Result.
type Datatype string

const (
	DatatypeNone     Datatype = ""
	DatatypeBoolean  Datatype = "boolean"
	DatatypeNumeric  Datatype = "numeric"
	DatatypeText     Datatype = "text"
	DatatypeDatetime Datatype = "datetime"
	DatatypeCoded    Datatype = "coded"
)

// DateLayout is the layout used when a Datetime is rendered or parsed as text.
const DateLayout = "2006-01-02"

// Result is a value tagged with a datatype. Items is non-empty for list results;
// single results leave it nil.
type Result struct {
	Datatype Datatype  `json:"datatype,omitempty"`
	Date     time.Time `json:"date,omitempty"`
	Boolean  bool      `json:"boolean,omitempty"`
	Number   float64   `json:"number,omitempty"`
	Text     string    `json:"text,omitempty"`
	Datetime time.Time `json:"datetime,omitempty"`
	Code     string    `json:"code,omitempty"`
	Items    []Result  `json:"items,omitempty"`

	// Object carries the source record a data source built the result from.
	// It is not serialized.
	Object any `json:"-"`
}

// Empty returns the empty result.
func Empty() Result { return Result{} }

func Bool(v bool) Result { return Result{Datatype: DatatypeBoolean, Boolean: v} }

func Number(v float64) Result { return Result{Datatype: DatatypeNumeric, Number: v} }

func Text(v string) Result { return Result{Datatype: DatatypeText, Text: v} }

func Datetime(v time.Time) Result { return Result{Datatype: DatatypeDatetime, Datetime: v} }

func Coded(code string) Result { return Result{Datatype: DatatypeCoded, Code: code} }

// List builds a list result. Nested lists are flattened and empty results are
// dropped; a list with no remaining items is the empty result.
func List(items ...Result) Result {
	flat := make([]Result, 0, len(items))
	for _, it := range items {
		switch {
		case it.IsList():
			flat = append(flat, it.Items...)
		case it.IsEmpty():
		default:
			flat = append(flat, it)
		}
	}
	if len(flat) == 0 {
		return Empty()
	}
	return Result{Items: flat}
}

// At returns a copy of r with its result date set.
func (r Result) At(date time.Time) Result {
	r.Date = date
	return r
}

// WithObject returns a copy of r carrying the given source record.
func (r Result) WithObject(obj any) Result {
	r.Object = obj
	return r
}

func (r Result) IsEmpty() bool { return r.Datatype == DatatypeNone && len(r.Items) == 0 }

func (r Result) IsList() bool { return len(r.Items) > 0 }

func (r Result) IsSingle() bool { return !r.IsEmpty() && !r.IsList() }

// Values returns the single results r is made of: nil for empty, r itself for
// a single value, the items for a list.
func (r Result) Values() []Result {
	switch {
	case r.IsEmpty():
		return nil
	case r.IsList():
		out := make([]Result, len(r.Items))
		copy(out, r.Items)
		return out
	default:
		return []Result{r}
	}
}

// Len reports the number of single values in r.
func (r Result) Len() int {
	switch {
	case r.IsEmpty():
		return 0
	case r.IsList():
		return len(r.Items)
	default:
		return 1
	}
}

// Type returns the datatype of a single result, or of the first item of a list.
func (r Result) Type() Datatype {
	if r.IsList() {
		return r.Items[0].Datatype
	}
	return r.Datatype
}

// ToBool converts a single result by datatype truthiness. A list is true only
// when every item is true; the empty result is false.
func (r Result) ToBool() bool {
	if r.IsList() {
		for _, it := range r.Items {
			if !it.ToBool() {
				return false
			}
		}
		return true
	}
	switch r.Datatype {
	case DatatypeBoolean:
		return r.Boolean
	case DatatypeCoded:
		return r.Code != ""
	case DatatypeDatetime:
		return !r.Datetime.IsZero()
	case DatatypeNumeric:
		return r.Number != 0
	case DatatypeText:
		return r.Text != ""
	default:
		return false
	}
}

// ToNumber converts a single result to a number; lists convert their first item.
func (r Result) ToNumber() float64 {
	if r.IsList() {
		return r.Items[0].ToNumber()
	}
	switch r.Datatype {
	case DatatypeBoolean:
		if r.Boolean {
			return 1
		}
		return 0
	case DatatypeDatetime:
		if r.Datetime.IsZero() {
			return 0
		}
		return float64(r.Datetime.UnixMilli())
	case DatatypeNumeric:
		return r.Number
	case DatatypeText:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Text), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// ToDatetime returns the datetime value of a single result. Text values in
// DateLayout are parsed; anything else yields the zero time.
func (r Result) ToDatetime() time.Time {
	if r.IsList() {
		return r.Items[0].ToDatetime()
	}
	if !r.Datetime.IsZero() {
		return r.Datetime
	}
	if r.Datatype == DatatypeText && r.Text != "" {
		if t, err := time.Parse(DateLayout, r.Text); err == nil {
			return t
		}
	}
	return time.Time{}
}

// String renders single values by datatype and lists joined by commas.
func (r Result) String() string {
	if r.IsList() {
		parts := make([]string, len(r.Items))
		for i, it := range r.Items {
			parts[i] = it.String()
		}
		return strings.Join(parts, ",")
	}
	switch r.Datatype {
	case DatatypeBoolean:
		return strconv.FormatBool(r.Boolean)
	case DatatypeCoded:
		return r.Code
	case DatatypeDatetime:
		if r.Datetime.IsZero() {
			return ""
		}
		return r.Datetime.Format(DateLayout)
	case DatatypeNumeric:
		return strconv.FormatFloat(r.Number, 'f', -1, 64)
	case DatatypeText:
		return r.Text
	default:
		return ""
	}
}

// Exists reports whether r carries at least one non-blank value.
func (r Result) Exists() bool {
	if r.IsList() {
		for _, it := range r.Items {
			if it.Exists() {
				return true
			}
		}
		return false
	}
	return (r.Datatype == DatatypeBoolean && r.Boolean) || r.Code != "" || !r.Datetime.IsZero() ||
		(r.Datatype == DatatypeNumeric && r.Number != 0) || r.Text != ""
}

// Equal compares datatype, value and result date. Source objects are ignored.
func (r Result) Equal(o Result) bool {
	if r.IsList() || o.IsList() {
		if len(r.Items) != len(o.Items) {
			return false
		}
		for i := range r.Items {
			if !r.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	}
	return r.Datatype == o.Datatype && r.SameValue(o) && r.Date.Equal(o.Date)
}

// SameValue compares only datatype and value, ignoring result dates.
func (r Result) SameValue(o Result) bool {
	if r.Datatype != o.Datatype {
		return false
	}
	switch r.Datatype {
	case DatatypeBoolean:
		return r.Boolean == o.Boolean
	case DatatypeNumeric:
		return r.Number == o.Number
	case DatatypeText:
		return r.Text == o.Text
	case DatatypeDatetime:
		return r.Datetime.Equal(o.Datetime)
	case DatatypeCoded:
		return r.Code == o.Code
	default:
		return true
	}
}

// Contains reports whether any single value of r has the same value as v.
func (r Result) Contains(v Result) bool {
	for _, it := range r.Values() {
		if it.SameValue(v) {
			return true
		}
	}
	return false
}

// Unique drops values that repeat an earlier value, keeping first occurrences.
func (r Result) Unique() Result {
	vals := r.Values()
	out := make([]Result, 0, len(vals))
	for _, v := range vals {
		dup := false
		for _, seen := range out {
			if seen.SameValue(v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return List(out...)
}

// SortByDate returns the values of r ordered by ascending result date. The sort
// is stable so values sharing a date keep their source order.
func (r Result) SortByDate() []Result {
	vals := r.Values()
	sort.SliceStable(vals, func(i, j int) bool { return vals[i].Date.Before(vals[j].Date) })
	return vals
}

// Earliest returns the value with the earliest result date.
func (r Result) Earliest() Result {
	vals := r.SortByDate()
	if len(vals) == 0 {
		return Empty()
	}
	return vals[0]
}

// Latest returns the value with the latest result date.
func (r Result) Latest() Result {
	vals := r.SortByDate()
	if len(vals) == 0 {
		return Empty()
	}
	return vals[len(vals)-1]
}

// MarshalJSON writes the empty result as null.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.IsEmpty() {
		return []byte("null"), nil
	}
	type plain Result
	return json.Marshal(plain(r))
}

// UnmarshalJSON accepts null as the empty result.
func (r *Result) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Empty()
		return nil
	}
	type plain Result
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Result(p)
	return nil
}
