// Package version reports build information for the hwcodec binary.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/zsiec/hwcodec/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	// Device names the codec device backend linked into the binary.
	Device = "sim"
)

// Codecs lists the bitstream formats this build can drive.
var Codecs = []string{"video/avc"}

type Info struct {
	Version   string   `json:"version"`
	GitCommit string   `json:"git_commit"`
	BuildTime string   `json:"build_time"`
	GoVersion string   `json:"go_version"`
	Platform  string   `json:"platform"`
	Device    string   `json:"device"`
	Codecs    []string `json:"codecs"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Device:    Device,
		Codecs:    append([]string(nil), Codecs...),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("HWCodec %s (commit %s, built %s, %s %s, device %s, codecs %v)",
		i.Version, i.GitCommit, i.BuildTime, i.GoVersion, i.Platform, i.Device, i.Codecs)
}

// Short is the form stamped on every log line.
func (i Info) Short() string {
	return "HWCodec " + i.Version
}
