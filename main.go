package main

import "github.com/nhirsama/Goster-Solar/cli"

func main() {
	cli.Run()
}
