package main

import "scriptsync/api/internal/cli"

func main() {
	cli.Execute()
}
