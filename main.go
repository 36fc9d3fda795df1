package main

import "github.com/fdominguez1972/thumper-counter-sub003/cmd"

func main() {
	cmd.Execute()
}
