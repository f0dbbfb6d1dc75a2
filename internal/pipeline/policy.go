package pipeline

import "fmt"

// ErrorPolicy decides what a normalization failure does to its run.
type ErrorPolicy string

// Supported policies.
const (
	// PolicyFailRun fails the whole run on the first bad record.
	PolicyFailRun ErrorPolicy = "fail_run"
	// PolicySkip drops bad records, counting them in the run metadata.
	PolicySkip ErrorPolicy = "skip"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (ErrorPolicy, error) {
	switch p := ErrorPolicy(s); p {
	case PolicyFailRun, PolicySkip:
		return p, nil
	default:
		return "", fmt.Errorf("normalization error policy must be %q or %q, got %q", PolicyFailRun, PolicySkip, s)
	}
}
