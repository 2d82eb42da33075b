//go:build !rawvecdebug

package rawvec

const debugHandles = false
