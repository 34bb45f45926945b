package main

import (
	"fmt"
	"os"

	"github.com/efwoods/aar/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "aar: %v\n", err)
		os.Exit(1)
	}
}
