//go:build !linux || !cgo

package media

// NewDeviceSource falls back to synthetic tracks on platforms without a
// capture backend wired in.
func NewDeviceSource() Source { return StaticSource{} }
