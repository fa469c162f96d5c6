package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
