package main

import "spreadwatcher/internal/cli"

func main() {
	cli.Execute()
}
