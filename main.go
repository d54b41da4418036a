// The main package for the magnet-crawler executable.
package main

import (
	"github.com/JakeFAU/magnet-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
