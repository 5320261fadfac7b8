package symbols

import "fmt"

// AmbiguousRenameError reports a symbol for which no unused replacement was
// found. The symbol keeps its original name.
type AmbiguousRenameError struct {
	Name     string
	Attempts int
}

func (e *AmbiguousRenameError) Error() string {
	return fmt.Sprintf("no unambiguous replacement for %s after %d attempts", e.Name, e.Attempts)
}
