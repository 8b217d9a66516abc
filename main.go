package main

import "cirunner/cmd/cli"

func main() {
	cli.Execute()
}
