package main

import "github.com/jmcleod/cadepot/cmd/cadepot/cmd"

func main() {
	cmd.Execute()
}
