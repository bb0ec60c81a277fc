package orchestrator

import "fmt"

// NavigationError means the target page could not be loaded.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation error: %v", e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// AnalysisInconclusive means the page is not recognisable as a
// registration form. It is an outcome, not a fault.
type AnalysisInconclusive struct {
	Reason string
}

func (e *AnalysisInconclusive) Error() string {
	return "not a registration form: " + e.Reason
}
