package commands

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

// plain keeps table cells free of escape codes so output stays greppable
var plain = pterm.NewStyle()

// renderTable writes rows as aligned columns. The first row is the header
// when header is true.
func renderTable(w io.Writer, header bool, rows pterm.TableData) error {
	out, err := pterm.DefaultTable.
		WithHasHeader(header).
		WithHeaderStyle(plain).
		WithSeparator("  ").
		WithSeparatorStyle(plain).
		WithData(rows).
		Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
