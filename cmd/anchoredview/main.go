package main

import "anchored-view/internal/cli"

func main() {
	cli.Execute()
}
