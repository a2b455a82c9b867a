package main

import "oplogsync/internal/cli"

func main() {
	cli.Execute()
}
