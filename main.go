package main

import "github.com/audiolibrelab/jamrec/cmd"

func main() {
	cmd.Execute()
}
