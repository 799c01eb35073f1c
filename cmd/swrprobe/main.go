// Command swrprobe probes endpoints through the stale-while-revalidate
// fetch layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/goliatone/go-swr-cache/internal/probe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := probe.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
