package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// Always 1; the labels carry the information.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pharmatrack_build_info",
			Help: "pharmatrack API build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo registers pharmatrack_build_info once and sets it for this
// binary. An empty commit falls back to the VCS revision stamped by the Go
// toolchain, when present.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})

	goVersion := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		goVersion = info.GoVersion
		if commit == "" || commit == "unknown" {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	buildInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
