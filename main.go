package main

import "github.com/nextlevelbuilder/gewegate/cmd"

func main() {
	cmd.Execute()
}
