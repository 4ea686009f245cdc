// Package capability answers whether this host can tap system audio, and
// builds the report the fleet side ingests to decide which machines are
// worth streaming from.
package capability

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/logging"
	"github.com/loopcap/agent/pkg/api"
)

var log = logging.L("capability")

// minDarwinMajor/minDarwinMinor is the first macOS release whose Core
// Audio surface supports tapping the output mix.
const (
	minDarwinMajor = 14
	minDarwinMinor = 2
)

// Version is a parsed OS release number. Fields missing from the release
// string parse as zero.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion reads up to three dot-separated numeric fields, ignoring
// any trailing junk within a field ("10.0.22631.3880" and "14.2" both
// parse). An empty or wholly non-numeric string yields the zero Version.
func ParseVersion(s string) Version {
	var v Version
	parts := strings.SplitN(s, ".", 4)
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		if i >= len(fields) {
			break
		}
		n, err := strconv.Atoi(strings.TrimFunc(part, func(r rune) bool {
			return r < '0' || r > '9'
		}))
		if err != nil {
			break
		}
		*fields[i] = n
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsAtLeast reports whether v is at or past the given major.minor.
func (v Version) IsAtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// SupportsAudioTap reports whether an OS at the given version has a
// capture facility for the given GOOS, independent of how this binary was
// built. windows loopback capture predates anything still in service.
func SupportsAudioTap(goos string, v Version) bool {
	switch goos {
	case "darwin":
		return v.IsAtLeast(minDarwinMajor, minDarwinMinor)
	case "windows":
		return true
	default:
		return false
	}
}

// Probe gathers host identity, resolves whether audio capture works end to
// end, and when it does, records the default output device's stream format
// in the report. The tap opened for the format check is closed before
// Probe returns.
func Probe(ctx context.Context) (*api.CapabilityReport, error) {
	report := &api.CapabilityReport{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CollectedAt:  time.Now().UTC(),
	}

	var osVersion Version
	hostInfo, err := host.InfoWithContext(ctx)
	if err == nil {
		report.Hostname = hostInfo.Hostname
		report.Platform = normalizePlatform(hostInfo.OS)
		report.OSVersion = hostInfo.Platform + " " + hostInfo.PlatformVersion
		osVersion = ParseVersion(hostInfo.PlatformVersion)
	} else {
		log.Warn("host info unavailable", "error", err)
	}

	if !audiotap.Available() {
		report.TapAvailable = false
		report.Reason = unavailableReason(runtime.GOOS, osVersion)
		return report, nil
	}

	// The facility exists; prove the whole path by opening a tap and
	// reading the device format.
	tap, err := audiotap.New(audiotap.HandlerFunc(func([]byte, int, float64) {}))
	if err != nil {
		report.TapAvailable = false
		report.Reason = err.Error()
		return report, nil
	}
	defer tap.Close()

	format := tap.Format()
	report.TapAvailable = true
	report.Channels = format.Channels
	report.SampleRate = format.SampleRate

	log.Debug("capability probe complete",
		"tapAvailable", report.TapAvailable,
		"channels", report.Channels,
		"sampleRate", report.SampleRate)
	return report, nil
}

// unavailableReason explains a negative probe in operator terms.
func unavailableReason(goos string, v Version) string {
	switch goos {
	case "darwin":
		if !SupportsAudioTap(goos, v) {
			return fmt.Sprintf("macOS %s predates the Core Audio tap surface (requires 14.2+)", v)
		}
		return "built without CoreAudio support (cgo disabled)"
	case "windows":
		return "WASAPI loopback unavailable"
	default:
		return fmt.Sprintf("no system audio capture backend for %s", goos)
	}
}

func normalizePlatform(os string) string {
	if os == "darwin" {
		return "macos"
	}
	return os
}
