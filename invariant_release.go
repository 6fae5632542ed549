//go:build !framerdebug

package framer

// Out-of-range indexes are reported as errors and leave state untouched.
const failFast = false
