// Package main is the entry point for the buildctl binary.
package main

import (
	"os"

	"notebook-builder/pkg/buildctl"
)

func main() {
	os.Exit(buildctl.Execute())
}
