package main

import "github.com/kozaktomas/photo-faces/cmd"

func main() {
	cmd.Execute()
}
