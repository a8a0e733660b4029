// Package version reports build metadata stamped in by the linker:
//
//	go build -ldflags "-X github.com/lmtoy/pipeline-web/version.Version=v1.2.0 ..."
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	Version   = "dev"
	Commit    = "none"
	Branch    = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata of the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Branch    string `json:"branch"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Compiler  string `json:"compiler"`
	Platform  string `json:"platform"`
}

// GetInfo collects the linker variables and runtime details.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Branch:    Branch,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Compiler:  runtime.Compiler,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// UserAgent identifies pipeweb to upstream HTTP services.
func UserAgent() string {
	return "pipeweb/" + strings.TrimPrefix(Version, "v")
}

func (i Info) String() string {
	var b strings.Builder
	for _, row := range [][2]string{
		{"Version", i.Version},
		{"Commit", i.Commit},
		{"Branch", i.Branch},
		{"Build Date", i.BuildDate},
		{"Go Version", i.GoVersion},
		{"Compiler", i.Compiler},
		{"Platform", i.Platform},
	} {
		fmt.Fprintf(&b, "%-12s%s\n", row[0]+":", row[1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}
