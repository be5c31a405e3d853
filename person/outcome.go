package person

import "fmt"

// Status is the terminal state of a locate-then-act operation.
type Status int

const (
	// NoMatch means the match key selected no records; nothing was written.
	NoMatch Status = iota
	// Success means every matched record was acted on.
	Success
	// PartialSuccess means some, but not all, per-record actions failed.
	PartialSuccess
	// Failed means every per-record action failed.
	Failed
)

func (s Status) String() string {
	switch s {
	case NoMatch:
		return "no match"
	case Success:
		return "success"
	case PartialSuccess:
		return "partial success"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// RecordResult is the result of acting on one matched record.
type RecordResult struct {
	ID  string
	Err error
}

// Outcome reports a multi-match update or delete.
type Outcome struct {
	Op      string
	Status  Status
	Matched int
	Results []RecordResult
}

func newOutcome(op string, results []RecordResult) *Outcome {
	o := &Outcome{Op: op, Matched: len(results), Results: results}
	failed := len(results) - o.Succeeded()
	switch {
	case len(results) == 0:
		o.Status = NoMatch
	case failed == 0:
		o.Status = Success
	case failed == len(results):
		o.Status = Failed
	default:
		o.Status = PartialSuccess
	}
	return o
}

// Succeeded returns how many per-record actions succeeded.
func (o *Outcome) Succeeded() int {
	n := 0
	for _, r := range o.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Err returns nil on Success, ErrNoMatch on NoMatch and otherwise the first
// per-record error.
func (o *Outcome) Err() error {
	if o.Status == NoMatch {
		return ErrNoMatch
	}
	for _, r := range o.Results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Errors returns every per-record error in match order.
func (o *Outcome) Errors() []error {
	var errs []error
	for _, r := range o.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// String reports "<op>d N of M", e.g. "updated 2 of 3".
func (o *Outcome) String() string {
	return fmt.Sprintf("%sd %d of %d", o.Op, o.Succeeded(), o.Matched)
}
