package job

import (
	"fmt"
	"strings"
	"time"
)

// FormatText renders definitions as a human-readable listing.
func FormatText(defs []Definition) string {
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "%s\n", d.Name)
		b.WriteString("  URL:\n")
		fmt.Fprintf(&b, "    async api: /%s\n", d.Name)
		fmt.Fprintf(&b, "    block api: /%s/keep-connection\n", d.Name)
		fmt.Fprintf(&b, "  Max Concurrency: %d\n", d.MaxConcurrency)
		b.WriteString("  Description:\n")
		fmt.Fprintf(&b, "    %s\n", d.Description)
		if len(d.Args) == 0 {
			b.WriteString("  No Args\n")
		} else {
			b.WriteString("  Args\n")
			for _, a := range d.Args {
				req := "NOT-Required"
				if a.Required {
					req = "Required"
				}
				fmt.Fprintf(&b, "    %s %s %s\n", a.Name, a.Type, req)
				if a.Description != "" {
					fmt.Fprintf(&b, "      %s\n", a.Description)
				}
			}
		}
		fmt.Fprintf(&b, "  Timeout: %d sec\n\n", int64(d.Timeout/time.Second))
	}
	return b.String()
}
