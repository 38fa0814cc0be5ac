package main

import "github.com/wengley/universal-bot-discord/cmd"

func main() {
	cmd.Execute()
}
