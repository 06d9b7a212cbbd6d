package main

import "videoNarrate/cmd"

func main() {
	cmd.Execute()
}
