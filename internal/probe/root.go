// Package probe implements the swrprobe command line.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-swr-cache/auth"
	"github.com/goliatone/go-swr-cache/fetch"
	"github.com/goliatone/go-swr-cache/pkg/di"
)

// Version is set at build time.
var Version = "dev"

type globals struct {
	baseURL string
	token   string
	verbose bool

	// transport overrides the HTTP transport in tests.
	transport fetch.Transport
}

// NewRootCommand builds the swrprobe command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "swrprobe",
		Short:         "Probe endpoints through the stale-while-revalidate fetch layer",
		Long:          `swrprobe runs requests through the cache, circuit breaker and retry policy and prints the resulting view state.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.baseURL, "base-url", "", "Base URL prefixed to endpoints (overrides SWR_FETCH_BASE_URL)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "Bearer token sent with every request")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging to stderr")

	root.AddCommand(newGetCommand(g))
	root.AddCommand(newPreloadCommand(g))
	root.AddCommand(newConfigCommand(g))
	return root
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func (g *globals) config() (di.Config, error) {
	cfg, err := di.LoadConfig()
	if err != nil {
		return di.Config{}, err
	}
	if g.baseURL != "" {
		cfg.Fetch.BaseURL = g.baseURL
	}
	return cfg, nil
}

func (g *globals) container(cmd *cobra.Command, cfg di.Config) (*di.Container, error) {
	opts := []di.Option{di.WithLogger(g.logger(cmd))}
	if g.token != "" {
		opts = append(opts, di.WithAuthProvider(staticProvider{session: &auth.Session{AccessToken: g.token}}))
	}
	if g.transport != nil {
		opts = append(opts, di.WithTransport(g.transport))
	}
	return di.NewContainer(cmd.Context(), cfg, opts...)
}

func (g *globals) logger(cmd *cobra.Command) *slog.Logger {
	if !g.verbose {
		return nil
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// staticProvider serves a fixed token. Refreshing returns it unchanged.
type staticProvider struct {
	session *auth.Session
}

func (p staticProvider) Session(context.Context) (*auth.Session, error) {
	return p.session, nil
}

func (p staticProvider) RefreshSession(context.Context) (*auth.Session, error) {
	return p.session, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
