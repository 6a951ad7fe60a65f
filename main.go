package main

import "github.com/frahmantamala/puzzle-purchases/cmd"

func main() {
	cmd.Execute()
}
