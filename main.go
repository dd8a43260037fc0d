package main

import "github.com/cloudreve/davcore/cmd"

func main() {
	cmd.Execute()
}
