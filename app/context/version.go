package context

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// VersionInfo is the build version of the application.
type VersionInfo struct {
	// Semantic is the module version, e.g. "v0.3.1", or "(devel)" for builds
	// outside of a tagged module.
	Semantic string
	Commit   string
	Dirty    bool
}

// GetVersion returns the version of the running binary read from the embedded
// build information.
func GetVersion() (*VersionInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("failed reading build information")
	}

	v := &VersionInfo{Semantic: bi.Main.Version}
	if v.Semantic == "" {
		v.Semantic = "(devel)"
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}

	return v, nil
}

func (v *VersionInfo) String() string {
	var sb strings.Builder
	sb.WriteString(v.Semantic)
	if v.Commit != "" {
		commit := v.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		sb.WriteString(fmt.Sprintf(" (%s", commit))
		if v.Dirty {
			sb.WriteString("-dirty")
		}
		sb.WriteString(")")
	}

	return sb.String()
}
