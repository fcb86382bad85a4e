package main

import "faculty/cmd/faculty/cmd"

func main() {
	cmd.Execute()
}
