package main

import "github.com/dliu42/algorithmic-trading-bot/cmd"

func main() {
	cmd.Execute()
}
