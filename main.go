package main

import "jobrun/cmd"

func main() {
	cmd.Run()
}
