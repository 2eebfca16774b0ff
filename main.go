package main

import "github.com/orgelaudio/orgelsampler/cmd"

func main() {
	cmd.Execute()
}
