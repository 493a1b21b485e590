//go:build windows

package procprobe

import "golang.org/x/sys/windows"

type systemProber struct{}

const stillActive = 259

// Probe opens pid with the limited-query right and inspects its exit
// code. STILL_ACTIVE means alive; access-denied means alive (we just
// can't introspect it); any other failure to open means dead.
func (systemProber) Probe(pid int) State {
	if pid <= 0 {
		return Unknown
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if err == windows.ERROR_ACCESS_DENIED {
			return Alive
		}
		return Dead
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return Unknown
	}
	if code == stillActive {
		return Alive
	}
	return Dead
}
