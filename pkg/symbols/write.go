package symbols

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const headerGuard = "CLASSGUARD_SYMBOLS_H"

// Defines returns one "#define old new" line per rename followed by no-op
// defines up to the configured padding.
func (g *Generator) Defines() string {
	var sb strings.Builder
	for _, r := range g.renames {
		fmt.Fprintf(&sb, "#define %s %s\n", r.Old, r.New)
	}
	for _, name := range g.padding {
		fmt.Fprintf(&sb, "#define %s %s\n", name, name)
	}
	return sb.String()
}

// WriteSymbols writes the defines as a header with an include guard.
func (g *Generator) WriteSymbols(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "// Generated by classguard. Do not edit.\n\n#ifndef %[1]s\n#define %[1]s\n\n%s\n#endif // %[1]s\n", headerGuard, g.Defines()); err != nil {
		return errors.Wrap(err, "failed to write symbols header")
	}
	return nil
}

// WriteMap writes the renames as a JSON object of old name to new name.
func (g *Generator) WriteMap(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(g.Map()); err != nil {
		return errors.Wrap(err, "failed to write symbols map")
	}
	return nil
}
