package main

import "github.com/jmcleod/ironguard/cmd/ironguard/cmd"

func main() {
	cmd.Execute()
}
