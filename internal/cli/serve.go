package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/mirage/internal/config"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/metrics"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/session"
	"github.com/roach88/mirage/internal/store"
	"github.com/roach88/mirage/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Target string // JSON document each connection replays against
	Once   bool   // exit after the first connection closes
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peers and replay their batches",
		Long: `Listen for TCP peers. Each connection gets its own session whose root is
a fresh copy of the target document. Inbound batches are replayed,
journaled with their results, and counted in Prometheus metrics.

Peers can evaluate the registered functions:
  keys(obj)  sorted member names of an object

Examples:
  mirage serve --listen 127.0.0.1:7411 --db ./mirage.db
  mirage serve --codec cbor --target state.json --metrics-addr :9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().String("listen", "", "address to listen on (default from config)")
	cmd.Flags().String("db", "", "path to SQLite database (default from config)")
	cmd.Flags().String("codec", "", "wire codec (json|cbor)")
	cmd.Flags().Bool("auto-vivify", false, "create missing members on read")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Duration("evaluate-timeout", 0, "bound for evaluate round trips")
	cmd.Flags().StringVar(&opts.Target, "target", "", "JSON document to replay against (default {})")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit after the first connection closes")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd, "listen", "db", "codec", "auto_vivify", "metrics_addr", "evaluate_timeout")
	if err != nil {
		return err
	}

	target := []byte("{}")
	if opts.Target != "" {
		if target, err = os.ReadFile(opts.Target); err != nil {
			return WrapExitError(ExitCommandError, "failed to read target", err)
		}
	}
	if _, err := decodeDocument(target); err != nil {
		return WrapExitError(ExitCommandError, "invalid target", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	srv := newServer(cfg, st, metrics.New(reg), target)
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, reg)
		})
	}
	g.Go(func() error {
		defer stop()
		return srv.serve(ctx, ln, opts.Once)
	})
	return g.Wait()
}

// server hands each accepted connection a session.
type server struct {
	cfg      config.Config
	store    *store.Store
	metrics  *metrics.Metrics
	target   []byte
	claimant string
}

func newServer(cfg config.Config, st *store.Store, m *metrics.Metrics, target []byte) *server {
	return &server{
		cfg:      cfg,
		store:    st,
		metrics:  m,
		target:   target,
		claimant: "serve-" + uuid.NewString(),
	}
}

// serve accepts connections until ctx is done. With once it returns after
// the first connection's session ends.
func (s *server) serve(ctx context.Context, ln net.Listener, once bool) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return g.Wait()
			}
			return errors.Join(fmt.Errorf("accept: %w", err), g.Wait())
		}
		if once {
			ln.Close()
			return s.serveConn(ctx, conn)
		}
		g.Go(func() error {
			if err := s.serveConn(gctx, conn); err != nil {
				slog.Warn("session ended with error", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}
}

func (s *server) serveConn(ctx context.Context, conn net.Conn) error {
	codec, err := protocol.CodecByName(s.cfg.Codec)
	if err != nil {
		conn.Close()
		return err
	}
	root, err := decodeDocument(s.target)
	if err != nil {
		conn.Close()
		return err
	}

	sess := session.New(transport.NewStream(conn, codec), root,
		session.WithHost(replay.ReflectHost{AutoVivify: s.cfg.AutoVivify}),
		session.WithObserver(s.metrics),
		session.WithEvaluateTimeout(s.cfg.EvaluateTimeout),
		session.WithResultHandler(func(b ir.Batch, results []replay.Result) {
			s.metrics.ObserveBatch(b, results)
			s.journal(ctx, b, results)
		}),
	)
	sess.RegisterEvaluator("keys", keys)
	defer sess.Close()

	slog.Info("peer connected", "remote", conn.RemoteAddr(), "codec", codec.Name())
	err = sess.Run(ctx)
	slog.Info("peer disconnected", "remote", conn.RemoteAddr())
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// journal records an inbound batch as replayed by this server.
func (s *server) journal(ctx context.Context, b ir.Batch, results []replay.Result) {
	if err := s.store.AppendBatch(ctx, b); err != nil {
		slog.Warn("journal append failed", "context", b.Context, "seq", b.Seq, "error", err)
		return
	}
	ok, err := s.store.ClaimBatch(ctx, b.Context, b.Seq, s.claimant)
	if err != nil {
		slog.Warn("journal claim failed", "context", b.Context, "seq", b.Seq, "error", err)
		return
	}
	if !ok {
		slog.Warn("batch already replayed elsewhere", "context", b.Context, "seq", b.Seq)
		return
	}
	if err := s.store.WriteResults(ctx, b, results); err != nil {
		slog.Warn("journal results failed", "context", b.Context, "seq", b.Seq, "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// keys returns the sorted member names of a string-keyed map.
func keys(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("keys: want 1 argument, got %d", len(args))
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys: %T is not an object", args[0])
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

func decodeDocument(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}
