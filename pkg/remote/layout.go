package remote

import "path"

// Layout names the files that make up the remote signalling protocol.
// Relative names are resolved against the remote user's home directory.
type Layout struct {
	BootMarker       string
	CompletionMarker string
	LogFile          string
	ResultsGlob      string
	ScriptName       string
	NohupLog         string
	PidFile          string
	ArchiveDir       string
}

// DefaultLayout matches what the startup and run scripts write.
func DefaultLayout() Layout {
	return Layout{
		BootMarker:       "/tmp/startup_complete.flag",
		CompletionMarker: "/tmp/fmbench_completed.flag",
		LogFile:          "fmbench.log",
		ResultsGlob:      "results-*",
		ScriptName:       "run_bench.sh",
		NohupLog:         "run_bench_nohup.log",
		PidFile:          "run_bench.pid",
		ArchiveDir:       "qbench-archive",
	}
}

// Resolve returns p joined to home unless p is already absolute.
func Resolve(home, p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(home, p)
}
