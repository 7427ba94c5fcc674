package main

import (
	"github.com/blockberries/streamberry/cmd/streamlet/cmd"
)

func main() {
	cmd.Execute()
}
