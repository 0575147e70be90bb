//go:build !linux || !amd64

package jit

// newPlatformBackend reports no machine backend; the closure backend
// serves these platforms.
func newPlatformBackend() Backend { return nil }
