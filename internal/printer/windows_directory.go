package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

const win32PrinterQuery = `ConvertTo-Json -Compress -InputObject @(Get-CimInstance -ClassName Win32_Printer | Select-Object Name,DeviceID,Default,PrinterStatus)`

// Win32_Printer.PrinterStatus values.
var win32StateMap = map[int]State{
	3: StateReady,
	4: StatePrinting,
	5: StatePrinting,
	6: StatePaused,
	7: StatePaused,
}

// WindowsDirectory lists printers through PowerShell's CIM cmdlets.
type WindowsDirectory struct {
	runner     Runner
	powershell string
}

type win32Printer struct {
	Name          string `json:"Name"`
	DeviceID      string `json:"DeviceID"`
	Default       bool   `json:"Default"`
	PrinterStatus int    `json:"PrinterStatus"`
}

func (d *WindowsDirectory) List(ctx context.Context) ([]Info, error) {
	out, err := d.runner.Run(ctx, d.powershell, "-NoProfile", "-NonInteractive", "-Command", win32PrinterQuery)
	if err != nil || out.ExitCode != 0 {
		return nil, queryError(d.powershell, out, err)
	}
	return parseWin32Printers(out.Stdout)
}

func parseWin32Printers(stdout []byte) ([]Info, error) {
	if len(bytes.TrimSpace(stdout)) == 0 {
		return []Info{}, nil
	}

	var raw []win32Printer
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, fmt.Errorf("%w: unexpected Win32_Printer output: %v", ErrDirectoryQuery, err)
	}

	printers := make([]Info, 0, len(raw))
	for _, p := range raw {
		state, ok := win32StateMap[p.PrinterStatus]
		if !ok {
			state = StateUnknown
		}
		systemName := p.DeviceID
		if systemName == "" {
			systemName = p.Name
		}
		printers = append(printers, Info{
			Name:       p.Name,
			SystemName: systemName,
			IsDefault:  p.Default,
			State:      state,
		})
	}
	return printers, nil
}
