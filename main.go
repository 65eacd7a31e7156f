package main

import "github.com/sajjad-MoBe/kvs/cmd"

func main() {
	cmd.Execute()
}
