package main

import "os"

// appVersion is set at build time with -ldflags "-X main.appVersion=...".
var appVersion = "dev"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
