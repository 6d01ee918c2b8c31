package main

import "github.com/archivista/gazette/cmd/gazette/cmd"

func main() {
	cmd.Execute()
}
