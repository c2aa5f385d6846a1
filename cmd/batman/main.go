package main

import (
	"github.com/shizukutanaka/batman/cmd/batman/commands"
)

func main() {
	commands.Execute()
}
