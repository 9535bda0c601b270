package main

import "github.com/cmpc-libros/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
