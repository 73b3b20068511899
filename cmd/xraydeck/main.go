package main

import "xraydeck/internal/cli"

func main() {
	cli.Execute()
}
