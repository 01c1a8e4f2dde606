package main

import (
	"protocol-monitor/internal/cli"
)

func main() {
	cli.Execute()
}
