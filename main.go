package main

import "github.com/asaidimu/go-tessera/cmd"

func main() {
	cmd.Execute()
}
