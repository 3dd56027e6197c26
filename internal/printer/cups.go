package printer

import (
	"bufio"
	"bytes"
	"context"
	"strings"
)

// Markers match lpstat output in the C locale; the runner must set LC_ALL=C.
var cupsStateMarkers = []struct {
	marker string
	state  State
}{
	{" is idle", StateReady},
	{" now printing", StatePrinting},
	{" disabled", StatePaused},
}

// CUPSDirectory lists printers through lpstat (Linux, macOS, BSD).
type CUPSDirectory struct {
	runner Runner
	lpstat string
}

func NewCUPSDirectory(runner Runner, lpstat string) *CUPSDirectory {
	if lpstat == "" {
		lpstat = "lpstat"
	}
	return &CUPSDirectory{runner: runner, lpstat: lpstat}
}

func (d *CUPSDirectory) List(ctx context.Context) ([]Info, error) {
	out, err := d.runner.Run(ctx, d.lpstat, "-p")
	if err != nil {
		return nil, queryError(d.lpstat, out, err)
	}
	if out.ExitCode != 0 {
		// lpstat exits non-zero when no queue has been added yet.
		if bytes.Contains(out.Stderr, []byte("No destinations")) {
			return []Info{}, nil
		}
		return nil, queryError(d.lpstat, out, nil)
	}

	printers := parseLpstatPrinters(out.Stdout)

	def, err := d.runner.Run(ctx, d.lpstat, "-d")
	if err == nil && def.ExitCode == 0 {
		if name := parseLpstatDefault(def.Stdout); name != "" {
			for i := range printers {
				printers[i].IsDefault = printers[i].SystemName == name
			}
		}
	}

	return printers, nil
}

func parseLpstatPrinters(stdout []byte) []Info {
	printers := []Info{}
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "printer ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		printers = append(printers, Info{
			Name:       name,
			SystemName: name,
			State:      cupsState(line),
		})
	}
	return printers
}

func cupsState(line string) State {
	for _, m := range cupsStateMarkers {
		if strings.Contains(line, m.marker) {
			return m.state
		}
	}
	return StateUnknown
}

func parseLpstatDefault(stdout []byte) string {
	line := strings.TrimSpace(string(stdout))
	const prefix = "system default destination:"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}
