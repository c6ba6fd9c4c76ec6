package main

import "github.com/drblury/cardiocheck/internal/cli"

func main() {
	cli.Execute()
}
