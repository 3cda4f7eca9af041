package main

import "race-sync/cmd"

func main() {
	cmd.Execute()
}
