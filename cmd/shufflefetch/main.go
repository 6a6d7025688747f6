// The main package for the shufflefetch executable.
package main

import (
	"github.com/quarrylab/shufflefetch/cmd"
)

func main() {
	cmd.Execute()
}
