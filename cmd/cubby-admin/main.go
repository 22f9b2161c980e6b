// Package main is the entry point for cubby-admin, the Cubby provisioning
// and maintenance tool.
package main

import (
	"fmt"
	"os"

	_ "github.com/glebarez/go-sqlite"

	"github.com/cubbystore/cubby/cmd/cubby-admin/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
