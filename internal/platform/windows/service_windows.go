//go:build windows

package windows

import (
	"golang.org/x/sys/windows/svc"
)

// ServiceRunner handles the Windows Service lifecycle for the FTS binary
type ServiceRunner struct {
	StopChan chan<- struct{}
}

// Execute implements svc.Handler
func (m *ServiceRunner) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}
	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			changes <- c.CurrentStatus
		case svc.Stop, svc.Shutdown:
			if m.StopChan != nil {
				close(m.StopChan)
			}
		default:
			// Ignore
		}
	}

	changes <- svc.Status{State: svc.StopPending}
	return
}

// RunAsService enters the service loop if running in service context
func RunAsService(name string, stopChan chan<- struct{}) error {
	return svc.Run(name, &ServiceRunner{StopChan: stopChan})
}

// IsWindowsService checks if the process is running as a Windows Service
func IsWindowsService() bool {
	isService, _ := svc.IsWindowsService()
	return isService
}
