package main

import "chatload/cmd"

func main() {
	cmd.Execute()
}
