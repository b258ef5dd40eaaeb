//go:build wsmem_debug

package invariant

const enabled = true
