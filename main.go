package main

import "medvault/internal/cli"

func main() {
	cli.Execute()
}
