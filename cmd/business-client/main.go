// Package main provides business-client, a command-line client for the
// business server.
package main

import (
	"os"

	"github.com/sirosfoundation/go-business-server/cmd/business-client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
