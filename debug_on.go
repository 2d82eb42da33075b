//go:build rawvecdebug

package rawvec

const debugHandles = true
