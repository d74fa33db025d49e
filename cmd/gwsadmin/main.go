package main

import (
	"os"

	"keepersecurity.com/gws-admin/cli"
)

func main() {
	os.Exit(cli.Execute())
}
