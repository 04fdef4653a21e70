//go:build !darwin && !linux

package storage

// Remote filesystem detection is not implemented here; report an unknown type
// so the check passes.
func filesystemType(string) (string, error) {
	return "unknown", nil
}
