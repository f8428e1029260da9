package main

import "github.com/conneroisu/e2easr/cmd"

func main() {
	cmd.Execute()
}
