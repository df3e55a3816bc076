package go_ctrstream

import (
	"fmt"
	"runtime"
)

func VersionNumberString() string {
	// TODO: inject the release tag with -ldflags in the release workflow
	return "dev"
}

func VersionString() string {
	return fmt.Sprintf("go-ctrstream %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s (%s %s)", VersionString(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func UserAgent() string {
	return fmt.Sprintf("go-ctrstream/%s Go/%s", VersionNumberString(), runtime.Version())
}
