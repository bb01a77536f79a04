package recurrence

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// DefaultMaxOccurrences bounds a single expansion.
const DefaultMaxOccurrences = 1000

// Rule represents the supported recurrence steps.
type Rule string

const (
	// RuleNone marks a standalone booking.
	RuleNone Rule = ""
	// RuleDaily advances by one calendar day.
	RuleDaily Rule = "DAILY"
	// RuleWeekly advances by seven calendar days.
	RuleWeekly Rule = "WEEKLY"
	// RuleMonthly advances by one calendar month, clamped to the last day of short months.
	RuleMonthly Rule = "MONTHLY"
)

// ParseRule normalises user input into a Rule.
func ParseRule(raw string) (Rule, error) {
	switch Rule(strings.ToUpper(strings.TrimSpace(raw))) {
	case RuleNone:
		return RuleNone, nil
	case RuleDaily:
		return RuleDaily, nil
	case RuleWeekly:
		return RuleWeekly, nil
	case RuleMonthly:
		return RuleMonthly, nil
	default:
		return RuleNone, fmt.Errorf("%w: %q", ErrInvalidRule, raw)
	}
}

// Recurring reports whether the rule produces more than a single occurrence.
func (r Rule) Recurring() bool {
	return r != RuleNone
}

// Request describes the seed interval and optional recurrence.
type Request struct {
	Start time.Time
	End   time.Time
	Rule  Rule
	// Until is inclusive through the end of its calendar day.
	Until *time.Time
}

// Occurrence is one concrete interval produced by an expansion.
type Occurrence struct {
	Index int
	Start time.Time
	End   time.Time
}

// Engine expands recurrence requests into occurrences.
type Engine struct {
	location       *time.Location
	maxOccurrences int
}

// NewEngine constructs an Engine that evaluates calendar steps in loc.
// If loc is nil, UTC is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{location: loc, maxOccurrences: DefaultMaxOccurrences}
}

// WithMaxOccurrences returns a copy of the engine with a different expansion cap.
func (e *Engine) WithMaxOccurrences(limit int) *Engine {
	clone := *e
	clone.maxOccurrences = limit
	return &clone
}

// Location returns the zone used for calendar arithmetic.
func (e *Engine) Location() *time.Location {
	if e == nil || e.location == nil {
		return time.UTC
	}
	return e.location
}

var (
	// ErrInvalidRule indicates the recurrence rule is not supported.
	ErrInvalidRule = errors.New("recurrence: invalid rule")
	// ErrMissingUntil indicates a recurring request has no end date.
	ErrMissingUntil = errors.New("recurrence: end date is required for recurring bookings")
	// ErrUntilBeforeStart indicates the end date precedes the first occurrence.
	ErrUntilBeforeStart = errors.New("recurrence: end date must not precede the start")
	// ErrInvalidDuration indicates the seed interval is empty or inverted.
	ErrInvalidDuration = errors.New("recurrence: end must be after start")
	// ErrTooManyOccurrences indicates the expansion exceeds the configured cap.
	ErrTooManyOccurrences = errors.New("recurrence: too many occurrences")
)

// Validate checks the request without expanding it.
func (e *Engine) Validate(req Request) error {
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return ErrInvalidDuration
	}
	switch req.Rule {
	case RuleNone:
		return nil
	case RuleDaily, RuleWeekly, RuleMonthly:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRule, string(req.Rule))
	}
	if req.Until == nil || req.Until.IsZero() {
		return ErrMissingUntil
	}
	if e.boundary(*req.Until).Before(req.Start) {
		return ErrUntilBeforeStart
	}
	if limit := e.maxOccurrences; limit > 0 && e.count(req, limit+1) > limit {
		return fmt.Errorf("%w: limit is %d", ErrTooManyOccurrences, limit)
	}
	return nil
}

// Occurrences validates req and returns a lazy sequence over its occurrences.
// The sequence can be ranged over any number of times and always yields the
// same intervals in chronological order.
func (e *Engine) Occurrences(req Request) (iter.Seq[Occurrence], error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}
	return func(yield func(Occurrence) bool) {
		e.walk(req, yield)
	}, nil
}

// Expand validates req and materialises every occurrence.
func (e *Engine) Expand(req Request) ([]Occurrence, error) {
	seq, err := e.Occurrences(req)
	if err != nil {
		return nil, err
	}
	var out []Occurrence
	for occ := range seq {
		out = append(out, occ)
	}
	return out, nil
}

func (e *Engine) walk(req Request, yield func(Occurrence) bool) {
	duration := req.End.Sub(req.Start)
	if !req.Rule.Recurring() {
		yield(Occurrence{Index: 0, Start: req.Start, End: req.End})
		return
	}

	boundary := e.boundary(*req.Until)
	seed := req.Start.In(e.Location())
	for k := 0; ; k++ {
		start := e.step(seed, req.Rule, k)
		if start.After(boundary) {
			return
		}
		if !yield(Occurrence{Index: k, Start: start, End: start.Add(duration)}) {
			return
		}
	}
}

func (e *Engine) count(req Request, stopAt int) int {
	n := 0
	e.walk(req, func(Occurrence) bool {
		n++
		return n < stopAt
	})
	return n
}

// step advances seed by k rule steps keeping its wall clock time. Each step is
// computed from the seed so month-end clamping never accumulates drift.
func (e *Engine) step(seed time.Time, rule Rule, k int) time.Time {
	if k == 0 {
		return seed
	}
	y, m, d := seed.Date()
	hh, mm, ss := seed.Clock()
	ns := seed.Nanosecond()
	loc := seed.Location()

	switch rule {
	case RuleDaily:
		return time.Date(y, m, d+k, hh, mm, ss, ns, loc)
	case RuleWeekly:
		return time.Date(y, m, d+7*k, hh, mm, ss, ns, loc)
	default:
		target := time.Date(y, m+time.Month(k), 1, 0, 0, 0, 0, loc)
		ty, tm, _ := target.Date()
		day := min(d, daysIn(ty, tm, loc))
		return time.Date(ty, tm, day, hh, mm, ss, ns, loc)
	}
}

// boundary returns the last instant of until's calendar day in the engine location.
func (e *Engine) boundary(until time.Time) time.Time {
	loc := e.Location()
	y, m, d := until.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
