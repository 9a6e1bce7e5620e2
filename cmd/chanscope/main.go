package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/api"
	"github.com/pbaille/chanscope/internal/config"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/logging"
	"github.com/pbaille/chanscope/internal/metrics"
	"github.com/pbaille/chanscope/internal/push"
	"github.com/pbaille/chanscope/internal/scorer"
	"github.com/pbaille/chanscope/internal/source"
	"github.com/pbaille/chanscope/internal/store"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "chanscope",
		Short:        "Browse live channel events with toxicity scores",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(viewCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func getStore(cfg *config.Config) (*store.Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(cfg.Server.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return store.New(cfg.Server.DBPath)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr != "" {
				cfg.Server.Addr = addr
			}

			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			m := metrics.New("chanscope")
			var backend scorer.Scorer
			if cfg.Scorer.Backend == "perspective" {
				p, err := scorer.NewPerspective(scorer.PerspectiveConfig{
					APIKey:   cfg.Scorer.APIKey,
					Endpoint: cfg.Scorer.Endpoint,
					QPS:      cfg.Scorer.QPS,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				backend = scorer.NewCache(p,
					scorer.WithBatchSize(cfg.Scorer.BatchSize),
					scorer.WithLogger(logger),
					scorer.WithMetrics(m),
				)
			}

			ctx, cancel := signalContext()
			defer cancel()

			server := api.New(s, push.NewHub(logger), api.Config{
				Addr:    cfg.Server.Addr,
				Scorer:  backend,
				Metrics: m,
				Logger:  logger,
			})
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides config)")
	return cmd
}

var seedPhrases = []string{
	"anyone around?",
	"<p>deploy finished, <b>all green</b></p>",
	"this is the worst release ever",
	"thanks for the quick fix",
	"<div>meeting moved to <i>3pm</i></div>",
	"you people never read the docs",
	"lgtm",
	"can someone review my PR",
	"stop spamming the channel",
	"<p>coffee is <a href=\"#\">here</a></p>",
}

func seedCmd() *cobra.Command {
	var (
		scopes  []string
		count   int
		span    time.Duration
		authors int
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with synthetic events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			now := time.Now()
			for _, scope := range scopes {
				stamps := make([]int64, count)
				for i := range stamps {
					stamps[i] = now.Add(-time.Duration(rand.Int64N(int64(span)))).UnixMilli()
				}
				// insert in stream order so v7 ids agree with timestamps
				slices.Sort(stamps)
				for _, ts := range stamps {
					_, err := s.AddEvent(ctx, scope,
						fmt.Sprintf("user%d", rand.IntN(authors)),
						seedPhrases[rand.IntN(len(seedPhrases))],
						time.UnixMilli(ts),
					)
					if err != nil {
						return err
					}
				}
				fmt.Printf("Seeded %d events into %s\n", count, scope)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&scopes, "scope", "s", []string{"general"}, "scopes to seed")
	cmd.Flags().IntVarP(&count, "count", "n", 500, "events per scope")
	cmd.Flags().DurationVar(&span, "span", 24*time.Hour, "spread events over this much past time")
	cmd.Flags().IntVar(&authors, "authors", 8, "number of distinct authors")
	return cmd
}

func addCmd() *cobra.Command {
	var scope, author string

	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Post a new event through the server so live viewers see it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			e, err := postEvent(cmd.Context(), cfg.Viewer.ServerURL, scope, api.AddEventRequest{
				AuthorID: author,
				Content:  strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Added event: %s\n", e.ID)
			fmt.Printf("Content: %s\n", truncate(e.Content, 80))
			return nil
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "general", "scope to post to")
	cmd.Flags().StringVarP(&author, "author", "u", os.Getenv("USER"), "author id")
	return cmd
}

// postEvent creates an event on the server at serverURL
func postEvent(ctx context.Context, serverURL, scope string, req api.AddEventRequest) (domain.Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.Event{}, err
	}
	endpoint := fmt.Sprintf("%s/scopes/%s/events", serverURL, url.PathEscape(scope))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Event{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return domain.Event{}, fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		var apiErr map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return domain.Event{}, fmt.Errorf("post event: status %d", resp.StatusCode)
		}
		return domain.Event{}, fmt.Errorf("post event: status %d: %s", resp.StatusCode, apiErr["error"])
	}

	var e domain.Event
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

func listCmd() *cobra.Command {
	var (
		scope string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scopes, or the newest events of one scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			if scope == "" {
				stats, err := s.ListScopes(ctx)
				if err != nil {
					return err
				}
				if len(stats) == 0 {
					fmt.Println("No events yet. Use 'chanscope seed' or 'chanscope add' to create some.")
					return nil
				}
				for _, st := range stats {
					fmt.Printf("%-20s %6d events, newest %s\n",
						st.ScopeID, st.Events, time.UnixMilli(st.Newest).Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			events, err := s.ListEvents(ctx, source.Query{ScopeID: scope, Limit: limit})
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Printf("%s  %-10s %s\n", e.Time().Format("15:04:05"), e.AuthorID, truncate(scorer.PlainText(e.Content), 60))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "", "scope to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	return cmd
}

func truncate(s string, max int) string {
	// Replace newlines with spaces for display
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
