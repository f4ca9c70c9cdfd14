//go:build !windows

package windows

// RunAsService is a no-op outside Windows; the process runs in the foreground.
func RunAsService(name string, stopChan chan<- struct{}) error {
	return nil
}

// IsWindowsService always reports false outside Windows.
func IsWindowsService() bool {
	return false
}
