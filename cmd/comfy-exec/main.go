package main

import "comfy-executors/cmd/comfy-exec/cmd"

func main() {
	cmd.Execute()
}
