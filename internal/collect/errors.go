package collect

import "fmt"

// IncompleteError reports that a collection pass could not fetch the
// complete roster. Callers must not diff or commit anything for the
// affected connection this run.
type IncompleteError struct {
	ConnectionID string
	Pages        int // pages fetched before the failure
	Err          error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("collect: incomplete pass for %s after %d pages: %v",
		e.ConnectionID, e.Pages, e.Err)
}

func (e *IncompleteError) Unwrap() error { return e.Err }
