package main

import "negotiation-hive/internal/cli"

func main() {
	cli.Execute()
}
