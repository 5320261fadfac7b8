package main

import "github.com/appsworld/macho/cmd/classguard/cmd"

func main() {
	cmd.Execute()
}
