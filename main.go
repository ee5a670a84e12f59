// The main package for the sitegauge executable.
package main

import (
	"github.com/sitegauge/sitegauge/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
