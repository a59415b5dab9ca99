package main

import "github.com/Davincible/claude-proxy-go/cmd"

func main() {
	cmd.Execute()
}
