package normalize

import "fmt"

// Error reports a raw record that cannot be mapped to a quote.
type Error struct {
	Source   string
	SourceID string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s record %q: %s: %v", e.Source, e.SourceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s record %q: %s", e.Source, e.SourceID, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}
