package main

import "github.com/nextlevelbuilder/nodelink/cmd"

func main() {
	cmd.Execute()
}
