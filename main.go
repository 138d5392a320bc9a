package main

import "github.com/calbusto/tokibot/cmd"

func main() {
	cmd.Execute()
}
