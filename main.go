// Package main is responsible for the main func of sniparse.  The actual work
// is done in the cmd package.
package main

import "github.com/ameshkov/sniparse/internal/cmd"

func main() {
	cmd.Main()
}
