package printer

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPrinterNotFound = errors.New("printer not found")
	ErrDirectoryQuery  = errors.New("printer directory query failed")
)

type State string

const (
	StateReady    State = "Ready"
	StatePrinting State = "Printing"
	StatePaused   State = "Paused"
	StateUnknown  State = "Unknown"
)

// Info is one installed printer as reported by the OS.
type Info struct {
	Name       string `json:"name"`
	SystemName string `json:"system_name,omitempty"`
	IsDefault  bool   `json:"is_default"`
	State      State  `json:"state,omitempty"`
}

// Ref is the result of resolving a printer name.
type Ref struct {
	Name   string
	Exists bool
}

// Directory is the OS registry of installed printers. Implementations must
// query the OS on every call.
type Directory interface {
	List(ctx context.Context) ([]Info, error)
}

// Lookup resolves name against a fresh listing. Both the display name and the
// system name are accepted.
func Lookup(ctx context.Context, dir Directory, name string) (Ref, error) {
	printers, err := dir.List(ctx)
	if err != nil {
		return Ref{Name: name}, err
	}
	for _, p := range printers {
		if p.Name == name || (p.SystemName != "" && p.SystemName == name) {
			return Ref{Name: p.Name, Exists: true}, nil
		}
	}
	return Ref{Name: name}, nil
}

// NewDirectory selects the printer directory for goos.
func NewDirectory(goos string, runner Runner) Directory {
	if goos == "windows" {
		return &WindowsDirectory{runner: runner, powershell: "powershell.exe"}
	}
	return NewCUPSDirectory(runner, "")
}

func queryError(cmd string, out Output, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryQuery, err)
	}
	return fmt.Errorf("%w: %s exited with status %d: %s", ErrDirectoryQuery, cmd, out.ExitCode, diagnosticText(out))
}
