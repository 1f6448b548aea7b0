package main

import "github.com/scienceol/killswitch/cmd"

func main() {
	cmd.Execute()
}
