package main

import (
	"fmt"
	"io"
	"runtime"
)

// Set at build time with -ldflags "-X main.Version=... -X main.GitCommit=...".
var (
	Version   = "dev"
	GitCommit = "HEAD"
)

func showVersion(w io.Writer) {
	fmt.Fprintf(w, "portrelay version %s, build %s, %s/%s\n", Version, GitCommit, runtime.GOOS, runtime.GOARCH)
}
