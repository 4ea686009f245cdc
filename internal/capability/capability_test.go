package capability

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"14.2.1", Version{14, 2, 1}},
		{"14.2", Version{14, 2, 0}},
		{"15", Version{15, 0, 0}},
		{"10.0.22631.3880", Version{10, 0, 22631}},
		{"13.6.7", Version{13, 6, 7}},
		{"", Version{}},
		{"rolling", Version{}},
	}
	for _, tc := range cases {
		if got := ParseVersion(tc.in); got != tc.want {
			t.Errorf("ParseVersion(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestVersion_IsAtLeast(t *testing.T) {
	cases := []struct {
		v            Version
		major, minor int
		want         bool
	}{
		{Version{14, 2, 0}, 14, 2, true},
		{Version{14, 2, 1}, 14, 2, true},
		{Version{14, 3, 0}, 14, 2, true},
		{Version{15, 0, 0}, 14, 2, true},
		{Version{14, 1, 9}, 14, 2, false},
		{Version{13, 6, 0}, 14, 2, false},
		{Version{}, 14, 2, false},
	}
	for _, tc := range cases {
		if got := tc.v.IsAtLeast(tc.major, tc.minor); got != tc.want {
			t.Errorf("%v.IsAtLeast(%d, %d) = %v, want %v", tc.v, tc.major, tc.minor, got, tc.want)
		}
	}
}

func TestSupportsAudioTap(t *testing.T) {
	cases := []struct {
		goos string
		v    Version
		want bool
	}{
		{"darwin", Version{14, 2, 0}, true},
		{"darwin", Version{15, 1, 0}, true},
		{"darwin", Version{14, 1, 0}, false},
		{"darwin", Version{13, 6, 7}, false},
		{"windows", Version{10, 0, 19045}, true},
		{"windows", Version{}, true},
		{"linux", Version{6, 8, 0}, false},
		{"freebsd", Version{14, 0, 0}, false},
	}
	for _, tc := range cases {
		if got := SupportsAudioTap(tc.goos, tc.v); got != tc.want {
			t.Errorf("SupportsAudioTap(%q, %v) = %v, want %v", tc.goos, tc.v, got, tc.want)
		}
	}
}

func TestUnavailableReason(t *testing.T) {
	if got := unavailableReason("darwin", Version{13, 6, 0}); !strings.Contains(got, "14.2") {
		t.Errorf("old-macos reason %q does not name the minimum release", got)
	}
	if got := unavailableReason("darwin", Version{14, 2, 0}); !strings.Contains(got, "cgo") {
		t.Errorf("modern-macos reason %q does not name the build gap", got)
	}
	if got := unavailableReason("linux", Version{}); !strings.Contains(got, "linux") {
		t.Errorf("linux reason %q does not name the platform", got)
	}
}

func TestProbe_ReportShape(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if report.OS != runtime.GOOS {
		t.Errorf("OS = %q, want %q", report.OS, runtime.GOOS)
	}
	if report.Architecture != runtime.GOARCH {
		t.Errorf("Architecture = %q, want %q", report.Architecture, runtime.GOARCH)
	}
	if report.CollectedAt.IsZero() {
		t.Error("CollectedAt not set")
	}
	if !report.TapAvailable && report.Reason == "" {
		t.Error("negative probe carries no reason")
	}
	if report.TapAvailable && (report.Channels <= 0 || report.SampleRate <= 0) {
		t.Errorf("positive probe carries no format: channels=%d sampleRate=%v",
			report.Channels, report.SampleRate)
	}
}
