// Package main is the entry point for the authorization server binary.
package main

import (
	"os"

	"github.com/giantswarm/oauth-authserver/cmd/authserver/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
