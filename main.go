package main

import "cncvn/api/cmd"

func main() {
	cmd.Execute()
}
