//go:build !release

package debug

import _ "unsafe"

//go:linkname throw runtime.throw
func throw(string)

// Assert runs fn and brings the process down if it reports false. It
// guards invariants that no caller input can violate; caller-visible
// preconditions are typed errors instead.
func Assert(info string, fn func() bool) {
	if !fn() {
		throw("assertion failed: " + info)
	}
}
