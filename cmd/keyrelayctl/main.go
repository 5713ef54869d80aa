package main

import "keyrelay/cmd/keyrelayctl/cmd"

func main() {
	cmd.Execute()
}
