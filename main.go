package main

import "github.com/eschnou/sunorooms/cmd"

func main() {
	cmd.Execute()
}
