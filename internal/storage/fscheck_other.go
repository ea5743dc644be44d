//go:build !darwin && !linux

package storage

// No portable statfs here, so every path counts as local.
func detectFilesystemType(string) (string, error) {
	return "local", nil
}
