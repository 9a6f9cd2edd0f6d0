package main

import "southwinds.dev/biogate/cli/cmd"

func main() {
	cmd.Execute()
}
