package main

import "socket-sentinel/cmd/sentinel/commands"

func main() {
	commands.Execute()
}
