package main

import (
	"os"

	"github.com/jrepp/pfindex/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
