package main

import "github.com/kverran/mapsnap/cmd"

func main() {
	cmd.Execute()
}
