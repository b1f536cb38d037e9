package main

import "bundle-alerts/internal/cli"

func main() {
	cli.Execute()
}
