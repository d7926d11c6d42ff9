package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	tailSurface     string
	tailLimit       int
	tailInput       bool
	tailMetricsAddr string
)

func init() {
	tailCmd.Flags().StringVar(&tailSurface, "surface", string(chatsync.SurfaceConsole), "Surface kind: console, inbox or room")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Messages of history to show first")
	tailCmd.Flags().BoolVarP(&tailInput, "input", "i", false, "Read lines from stdin and send them (/delete <id>, /close, /archive, /quit)")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:     "tail <conversation-id>",
	Aliases: []string{"follow"},
	Short:   "Follow a conversation live",
	Long:    "Load recent history, subscribe to the conversation's push channel and print messages as they arrive.\nHistory is refetched after every reconnect.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := chatsync.ParseSurfaceKind(tailSurface)
		if err != nil {
			return err
		}
		cfg, client, logger, err := setup()
		if err != nil {
			return err
		}
		if cfg.Auth.UserID == "" {
			return errors.New("auth.user_id is required to follow a conversation")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics, err := chatsync.NewMetrics(reg)
		if err != nil {
			return err
		}
		if tailMetricsAddr != "" {
			go serveMetrics(ctx, tailMetricsAddr, reg, logger)
		}

		rt := client.Realtime(chatsync.RealtimeConfig{AutoReconnect: true})
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()

		session := newSession(cfg, client)
		surface := chatsync.NewSurface(kind, session, client, rt, chatsync.Options{
			HistoryLimit: tailLimit,
			Logger:       logger,
			Metrics:      metrics,
		})
		defer surface.Close()

		p := newPrinter(ctx, os.Stdout, session)
		surface.OnMessages(p.update)
		surface.OnSendFailed(func(f chatsync.SendFailure) {
			fmt.Fprintf(os.Stderr, "-- not sent (%v): %s\n", f.Err, f.Draft.Body)
		})
		surface.OnConnection(func(st chatsync.ConnState) {
			fmt.Fprintf(os.Stderr, "-- %s\n", st)
		})

		if err := surface.Select(ctx, args[0]); err != nil {
			if !errors.Is(err, chatsync.ErrSubscription) {
				return err
			}
			fmt.Fprintf(os.Stderr, "-- live updates unavailable: %v\n", err)
		}

		if tailInput {
			go func() {
				readInput(ctx, os.Stdin, surface)
				stop()
			}()
		}
		<-ctx.Done()
		return nil
	},
}

// printer writes every confirmed message of the active conversation once.
type printer struct {
	ctx     context.Context
	out     io.Writer
	session *chatsync.Session

	mu      sync.Mutex
	version uint64
	printed map[string]bool
}

func newPrinter(ctx context.Context, out io.Writer, session *chatsync.Session) *printer {
	return &printer{ctx: ctx, out: out, session: session, printed: make(map[string]bool)}
}

func (p *printer) update(u chatsync.MessagesUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.Version <= p.version {
		return
	}
	p.version = u.Version
	for _, m := range u.Messages {
		if m.IsPlaceholder() || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.out, formatMessage(m, p.session.DisplayName(p.ctx, m.SenderID)))
	}
}

// readInput sends each stdin line to the active conversation until EOF or /quit.
func readInput(ctx context.Context, in io.Reader, surface *chatsync.Surface) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runLine(ctx, surface, line); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			fmt.Fprintf(os.Stderr, "-- %v\n", err)
		}
	}
}

func runLine(ctx context.Context, surface *chatsync.Surface, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return io.EOF
	case "/delete":
		return surface.DeleteMessage(ctx, rest)
	case "/close":
		_, err := surface.CloseConversation(ctx, surface.Active(), rest)
		return err
	case "/archive":
		_, err := surface.ArchiveConversation(ctx, surface.Active(), rest)
		return err
	}
	// Write failures are reported through OnSendFailed.
	_, err := surface.Send(ctx, chatsync.Draft{Body: line})
	if errors.Is(err, chatsync.ErrInvalidDraft) || errors.Is(err, chatsync.ErrStale) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
