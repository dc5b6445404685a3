package version

import (
	"fmt"
	"runtime"
)

var (
	Tag    string = "dev"
	Commit string = "none"
	Date   string = "unknown"
)

type Info struct{}

func (i *Info) String() string {
	return fmt.Sprintf("akon %s (%s) built at %s, %s %s/%s", Tag, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
