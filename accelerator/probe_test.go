package accelerator

import "testing"

func TestProbeNeverPanics(t *testing.T) {
	_ = Probe()
}

func TestParseKernelVersion(t *testing.T) {
	cases := map[string][2]int{
		"6.8.0-40-generic": {6, 8},
		"4.18.0":           {4, 18},
		"garbage":          {0, 0},
		"":                 {0, 0},
	}
	for in, want := range cases {
		major, minor := parseKernelVersion(in)
		if major != want[0] || minor != want[1] {
			t.Errorf("parseKernelVersion(%q) = %d.%d, want %d.%d", in, major, minor, want[0], want[1])
		}
	}
}
