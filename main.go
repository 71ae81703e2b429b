package main

import "compose-guardian/cmd"

func main() {
	cmd.Execute()
}
