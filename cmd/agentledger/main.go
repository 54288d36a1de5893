package main

import "github.com/tutu-network/agentledger/internal/cli"

func main() {
	cli.Execute()
}
