//go:build framerdebug

package framer

// Out-of-range indexes panic.
const failFast = true
