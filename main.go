package main

import "github.com/andresmejia3/moodsync/cmd"

func main() {
	cmd.Execute()
}
