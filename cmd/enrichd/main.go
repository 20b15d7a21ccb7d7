package main

import "github.com/pinwork/enrichd/internal/cli"

func main() {
	cli.Execute()
}
