package probe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-swr-cache/breaker"
	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
)

type report struct {
	Key           string                `json:"key"`
	Phase         fetch.Phase           `json:"phase"`
	ServiceStatus failure.ServiceStatus `json:"service_status"`
	Stale         bool                  `json:"stale"`
	RetryCount    int                   `json:"retry_count"`
	Error         string                `json:"error,omitempty"`
	Code          failure.Code          `json:"code,omitempty"`
	Data          any                   `json:"data,omitempty"`
}

func newReport(s fetch.ViewState) report {
	r := report{
		Key:           s.Key,
		Phase:         s.Phase,
		ServiceStatus: s.ServiceStatus,
		Stale:         s.IsStale,
		RetryCount:    s.RetryCount,
		Error:         s.Error,
		Data:          s.Data,
	}
	if s.ErrorDetails != nil {
		r.Code = s.ErrorDetails.Code
	}
	return r
}

type circuit struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

func circuits(snaps []breaker.Snapshot) []circuit {
	out := make([]circuit, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, circuit{Endpoint: s.Endpoint, State: s.State.String(), Failures: s.ConsecutiveFailures})
	}
	return out
}

type summary struct {
	Entries   int       `json:"entries"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Bytes     int       `json:"approx_bytes"`
	Circuits  []circuit `json:"circuits"`
	Elapsed   string    `json:"elapsed"`
	Requested int       `json:"requested"`
}

func newGetCommand(g *globals) *cobra.Command {
	var (
		method string
		body   string
		repeat int
		retry  int
		watch  bool
		stats  bool
	)

	cmd := &cobra.Command{
		Use:   "get [endpoint]",
		Short: "Fetch an endpoint and print the view state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			// a one-shot probe reports errors as soon as they are final
			cfg.Fetch.ErrorDisplayDelay = 0

			c, err := g.container(cmd, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			req := fetch.Request{Method: strings.ToUpper(method), Endpoint: args[0]}
			if body != "" {
				var decoded any
				if err := json.Unmarshal([]byte(body), &decoded); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
				req.Body = decoded
			}

			var opts []fetch.Option
			if retry >= 0 {
				opts = append(opts, fetch.WithRetry(retry))
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			orch := c.Orchestrator()
			started := time.Now()

			if req.Method != "" && req.Method != http.MethodGet {
				result, err := orch.Execute(ctx, req, opts...)
				if err != nil {
					rec := failure.FromError(err)
					return writeJSON(out, report{Key: args[0], Phase: fetch.PhaseError, ServiceStatus: rec.Status, Error: rec.Message, Code: rec.Code})
				}
				return writeJSON(out, report{Key: args[0], Phase: fetch.PhaseReady, ServiceStatus: failure.StatusHealthy, Data: result})
			}

			if watch {
				opts = append(opts, fetch.WithListener(func(s fetch.ViewState) {
					_ = writeJSON(cmd.ErrOrStderr(), newReport(s))
				}))
			}

			for i := 0; i < repeat; i++ {
				handle, err := orch.Fetch(ctx, req, opts...)
				if err != nil {
					return err
				}
				state, err := handle.Await(ctx)
				handle.Close()
				if err != nil {
					return err
				}
				if err := writeJSON(out, newReport(state)); err != nil {
					return err
				}
			}

			if !stats {
				return nil
			}
			st := c.Store().Stats()
			return writeJSON(out, summary{
				Entries:   st.Entries,
				Hits:      st.Hits,
				Misses:    st.Misses,
				Bytes:     st.ApproxBytes,
				Circuits:  circuits(c.Breaker().Snapshots()),
				Elapsed:   time.Since(started).Round(time.Millisecond).String(),
				Requested: repeat,
			})
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method; anything but GET is sent as a write")
	cmd.Flags().StringVarP(&body, "data", "d", "", "JSON request body")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "Fetch the endpoint n times to observe cache hits")
	cmd.Flags().IntVar(&retry, "retry", -1, "Retry attempts (default from SWR_FETCH_RETRY)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print every intermediate state to stderr")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print cache and circuit statistics afterwards")
	return cmd
}

func newPreloadCommand(g *globals) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "preload [endpoint...]",
		Short: "Warm the cache with several endpoints in the background queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if priority != "" {
				cfg.Preload.Priority = priority
			}
			if cfg.Preload.Capacity < len(args) {
				cfg.Preload.Capacity = len(args)
			}

			c, err := g.container(cmd, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			q := c.Preloader()
			for _, endpoint := range args {
				if err := q.Enqueue(fetch.Request{Endpoint: endpoint}); err != nil {
					return err
				}
			}
			q.Close()
			if err := q.Run(cmd.Context()); err != nil {
				return err
			}

			entries := make([]string, 0, len(args))
			for _, key := range c.Store().Keys() {
				if e, ok := c.Store().Peek(key); ok && e.Phase(c.Clock().Now()) != cache.PhaseExpired {
					entries = append(entries, key)
				}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"stats":  q.Stats(),
				"cached": entries,
			})
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "", "Cache priority for warmed entries (low, normal, high)")
	return cmd
}

func newConfigCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.Auth.APIKey != "" {
				cfg.Auth.APIKey = "***"
			}
			if cfg.Prefs.DSN != "" {
				cfg.Prefs.DSN = "***"
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}
