//go:build windows

package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

const accepted = svc.AcceptStop | svc.AcceptShutdown

// IsService reports whether the process was started by the service manager.
func IsService() (bool, error) {
	return svc.IsWindowsService()
}

// RunService registers name with the service manager and runs c until it
// stops. A registration failure is returned before anything is served.
func RunService(ctx context.Context, name string, c *Controller) error {
	return svc.Run(name, &windowsHandler{ctx: ctx, controller: c})
}

type windowsHandler struct {
	ctx        context.Context
	controller *Controller
}

type statusChannel chan<- svc.Status

// ReportState maps controller states onto service manager states. Stopped is
// left to svc.Run, which reports it when Execute returns.
func (ch statusChannel) ReportState(s State) {
	switch s {
	case StateStarting:
		ch <- svc.Status{State: svc.StartPending}
	case StateRunning:
		ch <- svc.Status{State: svc.Running, Accepts: accepted}
	case StateStopRequested:
		ch <- svc.Status{State: svc.StopPending}
	}
}

func (h *windowsHandler) Execute(_ []string, requests <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	h.controller.SetReporter(statusChannel(changes))

	done := make(chan error, 1)
	go func() {
		done <- h.controller.Run(h.ctx)
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				h.controller.logger.Error("service stopped with error", zap.Error(err))
				return false, 1
			}
			return false, 0
		case req := <-requests:
			result := h.controller.HandleControl(controlEvent(req.Cmd))
			if req.Cmd == svc.Interrogate {
				changes <- req.CurrentStatus
			}
			if result == NotImplemented {
				h.controller.logger.Debug("ignored service control", zap.Uint32("cmd", uint32(req.Cmd)))
			}
		}
	}
}

func controlEvent(cmd svc.Cmd) ControlEvent {
	switch {
	case cmd == svc.Stop, cmd == svc.Shutdown:
		return ControlEvent{Kind: ControlStop}
	case cmd == svc.Interrogate:
		return ControlEvent{Kind: ControlInterrogate}
	case cmd >= 128 && cmd <= 255:
		return ControlEvent{Kind: ControlUserEvent, Code: uint32(cmd)}
	default:
		return ControlEvent{Kind: ControlOther, Code: uint32(cmd)}
	}
}
