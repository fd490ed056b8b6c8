// Package main is the single-binary entrypoint for hydrotwin.
package main

import "github.com/hydrotwin/hydrotwin/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
