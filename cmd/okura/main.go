package main

import "github.com/shizukutanaka/okura/cmd/okura/commands"

func main() {
	commands.Execute()
}
