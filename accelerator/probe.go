// Package accelerator implements the optional XDP/AF_XDP capability probe
// spec.md §4.10 calls for on bind. It defines the adapter contract, not
// kernel-bypass code: this is the capability probe only, matching the
// cppla-moto teacher's own accelerator.go, which reduced a real
// kernel-bypass dial path to a documented no-op "single-sided mode" adapter
// once that acceleration was removed from the build. STOQ keeps the same
// shape — a probe plus a graceful "not available" fallback — but implements
// the probe for real using golang.org/x/sys/unix instead of hard-coding
// false.
package accelerator

import (
	"os"

	"golang.org/x/sys/unix"
)

// minAF_XDPKernelMajor.minAF_XDPKernelMinor is the first kernel release
// exposing AF_XDP sockets.
const minAF_XDPKernelMajor, minAF_XDPKernelMinor = 4, 18

// Capability reports what the probe found.
type Capability struct {
	Available bool
	Reason    string // why unavailable, for a one-time log line
	Kernel    string
}

// Probe checks kernel version and process privilege for AF_XDP eligibility.
// Probing never returns an error: a failed probe is not an error condition
// per spec.md §4.10, it falls back to the standard path.
func Probe() Capability {
	kernel, major, minor, err := unameRelease()
	if err != nil {
		return Capability{Reason: "could not read kernel release: " + err.Error()}
	}
	result := Capability{Kernel: kernel}
	if major < minAF_XDPKernelMajor || (major == minAF_XDPKernelMajor && minor < minAF_XDPKernelMinor) {
		result.Reason = "kernel older than the first AF_XDP release (4.18)"
		return result
	}
	if os.Geteuid() != 0 {
		result.Reason = "process is not privileged (AF_XDP needs CAP_NET_ADMIN or root)"
		return result
	}
	result.Available = true
	return result
}

func unameRelease() (release string, major, minor int, err error) {
	var uts unix.Utsname
	if err = unix.Uname(&uts); err != nil {
		return "", 0, 0, err
	}
	release = charsToString(uts.Release[:])
	major, minor = parseKernelVersion(release)
	return release, major, minor, nil
}

func charsToString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// parseKernelVersion reads the leading "MAJOR.MINOR" out of a uname release
// string such as "6.8.0-40-generic", best-effort: unparsable input yields 0,0.
func parseKernelVersion(release string) (major, minor int) {
	parseInt := func(s string) int {
		n := 0
		for _, c := range s {
			if c < '0' || c > '9' {
				break
			}
			n = n*10 + int(c-'0')
		}
		return n
	}
	parts := splitN(release, '.', 3)
	if len(parts) >= 1 {
		major = parseInt(parts[0])
	}
	if len(parts) >= 2 {
		minor = parseInt(parts[1])
	}
	return major, minor
}

func splitN(s string, sep byte, n int) []string {
	var out []string
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
