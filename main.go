package main

import "github.com/andresmejia3/lineage/cmd"

func main() {
	cmd.Execute()
}
