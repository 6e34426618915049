package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"logbridge/adapter"
	"logbridge/checkpoint"
	"logbridge/internal/config"
	"logbridge/internal/engine"
	"logbridge/internal/logging"
	"logbridge/internal/telemetry"
	"logbridge/internal/transport"
	"logbridge/streams"
)

type loader func() (*config.Config, error)

// openFactory builds an adapter for one-shot commands. Metrics go to a private registry.
func openFactory(ctx context.Context, cfg *config.Config) (*adapter.Factory, error) {
	m, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	return engine.OpenAdapter(ctx, cfg, adapter.Dependencies{Logger: logging.L(), Metrics: m})
}

func closeFactory(f *adapter.Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Shutdown(ctx); err != nil {
		logging.L().Warn("shutdown", "err", err)
	}
}

func newPartitionsCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Discover partitions and print the queue mapping",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			f, err := openFactory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFactory(f)

			m, err := f.QueueMapper()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tQUEUE")
			for _, q := range m.Queues() {
				p, _ := m.QueueToPartition(q)
				fmt.Fprintf(w, "%s\t%s\n", p, q)
			}
			return w.Flush()
		},
	}
}

func newPublishCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [event...]",
		Short: "Publish events to a stream as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid, _ := cmd.Flags().GetString("stream")
			ns, _ := cmd.Flags().GetString("namespace")
			rawCtx, _ := cmd.Flags().GetString("context")

			var reqCtx map[string]any
			if rawCtx != "" {
				if err := json.Unmarshal([]byte(rawCtx), &reqCtx); err != nil {
					return fmt.Errorf("invalid --context: %w", err)
				}
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			f, err := openFactory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFactory(f)

			events := make([][]byte, len(args))
			for i, a := range args {
				events[i] = []byte(a)
			}
			tok, err := f.PublishBatch(cmd.Context(), streams.StreamID{GUID: guid, Namespace: ns}, events, nil, reqCtx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d event(s) at %s\n", len(events), tok)
			return nil
		},
	}
	cmd.Flags().String("stream", "", "Stream guid")
	cmd.Flags().String("namespace", "", "Stream namespace")
	cmd.Flags().String("context", "", "Request context as a JSON object")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

type tailLine struct {
	Partition string         `json:"partition"`
	Sequence  int64          `json:"sequence"`
	Stream    string         `json:"stream"`
	BatchID   string         `json:"batch_id"`
	Events    []string       `json:"events"`
	Context   map[string]any `json:"context,omitempty"`
	Enqueued  time.Time      `json:"enqueued"`
}

func newTailCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print batches arriving on one queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, _ := cmd.Flags().GetInt("queue")
			from, _ := cmd.Flags().GetString("from")
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := load()
			if err != nil {
				return err
			}
			// tail never moves the real checkpoints
			cfg.Checkpoint.Backend = checkpoint.BackendMemory
			pos := streams.FromEnd()
			switch from {
			case config.StartOldest:
				cfg.Receiver.StartFrom = config.StartOldest
				pos = streams.FromStart()
			case config.StartNewest, "":
				cfg.Receiver.StartFrom = config.StartNewest
			default:
				seq, err := strconv.ParseInt(from, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --from; use oldest, newest or a sequence number")
				}
				cfg.Receiver.StartFrom = config.StartOldest
				pos = streams.At(streams.SequenceToken{Sequence: seq})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			f, err := openFactory(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFactory(f)

			m, err := f.QueueMapper()
			if err != nil {
				return err
			}
			queues := m.Queues()
			if index < 0 || index >= len(queues) {
				return fmt.Errorf("queue %d: %w (have %d)", index, streams.ErrNotFound, len(queues))
			}
			r, err := f.CreateReceiver(ctx, queues[index])
			if err != nil {
				return err
			}
			if !pos.IsStart() && !pos.IsEnd() {
				if err := r.Rewind(ctx, pos); err != nil {
					return err
				}
			}
			cur, err := r.OpenCursor(ctx, pos)
			if err != nil {
				return err
			}
			defer cur.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for n := 0; limit <= 0 || n < limit; n++ {
				b, err := cur.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				line := tailLine{
					Partition: string(b.Partition),
					Sequence:  b.Sequence,
					Stream:    b.Stream.String(),
					BatchID:   b.ID.String(),
					Context:   b.RequestContext,
					Enqueued:  b.Enqueued,
				}
				for _, ev := range b.Events {
					line.Events = append(line.Events, string(ev))
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("queue", 0, "Queue index as printed by partitions")
	cmd.Flags().String("from", config.StartNewest, "Start at oldest, newest or a sequence number")
	cmd.Flags().Int("limit", 0, "Stop after this many batches (0 = until interrupted)")
	return cmd
}

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [queue...]",
		Short: "Query a running server's health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			client, cc, err := transport.Dial(addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if len(args) == 0 {
				args = []string{""}
			}
			var bad []string
			for _, q := range args {
				st, err := transport.Check(ctx, client, q)
				if err != nil {
					return err
				}
				name := q
				if name == "" {
					name = "(server)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, st)
				if st.String() != "SERVING" {
					bad = append(bad, name)
				}
			}
			if len(bad) > 0 {
				return fmt.Errorf("not serving: %s", strings.Join(bad, ", "))
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:7070", "Server gRPC address")
	return cmd
}
