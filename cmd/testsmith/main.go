// Package main is the single-binary entrypoint for testsmith.
package main

import "github.com/testsmith-ai/testsmith/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
