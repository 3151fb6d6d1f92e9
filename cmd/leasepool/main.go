// Package main is the entrypoint for the leasepool service. It hosts the
// webhook receiver that the number-rental provider pushes verification codes
// to, next to the lease pool it reports on.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/felipealfah/leasepool/internal/config"
	"github.com/felipealfah/leasepool/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "leasepool",
		PortFromConfig: func(cfg *config.Config) int { return cfg.HTTP.Port },
		Setup:          setup,
	}, nil)
}
