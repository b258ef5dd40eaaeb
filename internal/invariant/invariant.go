// Package invariant checks programmer-error conditions.
//
// Checks panic only in binaries built with the wsmem_debug tag. Otherwise they
// are no-ops and the caller is expected to fail gracefully on its own.
package invariant

import "fmt"

// Enabled reports whether invariant checks panic in this build.
const Enabled = enabled

// Check panics with the formatted message if cond is false and checks are
// enabled.
func Check(cond bool, format string, v ...any) {
	if enabled && !cond {
		panic(fmt.Sprintf("invariant violated: "+format, v...))
	}
}
