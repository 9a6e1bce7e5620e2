package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/declutter"
	"github.com/pbaille/chanscope/internal/push"
	"github.com/pbaille/chanscope/internal/scorer"
	"github.com/pbaille/chanscope/internal/source"
	"github.com/pbaille/chanscope/internal/viewport"
	"github.com/pbaille/chanscope/internal/visible"
	"github.com/pbaille/chanscope/internal/window"
)

func parseMode(s string) (viewport.Mode, error) {
	switch s {
	case "continuous", "time":
		return viewport.ModeContinuous, nil
	case "discrete", "list":
		return viewport.ModeDiscrete, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func viewCmd() *cobra.Command {
	var (
		scope  string
		mode   string
		focus  string
		scroll float64
		zoom   float64
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print the decluttered viewport of a scope, optionally following it live",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			m, err := parseMode(mode)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			registry := window.NewRegistry(
				source.NewHTTP(cfg.Viewer.ServerURL, source.WithLogger(logger)),
				window.Config{PageSize: cfg.Viewer.PageSize, Logger: logger},
			)
			ctl := viewport.New(registry.Get(scope), viewport.Config{
				Height:     cfg.Viewer.Height,
				Step:       cfg.Viewer.Step,
				Span:       cfg.Viewer.Span,
				Transition: cfg.Viewer.Transition,
				Mode:       m,
				Logger:     logger,
				Push:       push.NewDialer(cfg.Viewer.ServerURL, logger),
			})
			defer ctl.Close()

			if err := ctl.Start(ctx); err != nil {
				return err
			}
			if scroll != 0 {
				// outside the gutter, so this pans in either mode
				if err := ctl.Scroll(ctx, viewport.DefaultGutter+1, cfg.Viewer.Height/2, scroll); err != nil {
					return err
				}
			}
			if zoom != 0 {
				if m != viewport.ModeContinuous {
					return errors.New("--zoom needs continuous mode")
				}
				if err := ctl.ZoomAt(ctx, cfg.Viewer.Height/2, zoom); err != nil {
					return err
				}
			}

			cache := scorer.NewCache(scorer.NewRemote(cfg.Viewer.ServerURL, nil),
				scorer.WithLogger(logger),
			)
			sel := visible.New(ctl, cache, visible.Config{
				ItemHeight: cfg.Viewer.ItemHeight,
				Threshold:  cfg.Viewer.Threshold,
				Logger:     logger,
			})
			sel.SetFocus(focus)

			clusters, err := sel.Clusters(ctx)
			if err != nil {
				return err
			}
			render(os.Stdout, ctl.State(), clusters)
			if !follow {
				return nil
			}

			last := signature(clusters)
			ticker := time.NewTicker(viewport.DefaultLiveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				if err := ctl.Tick(ctx); err != nil {
					logger.Warn("tick failed", zap.Error(err))
					continue
				}
				clusters, err := sel.Clusters(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Warn("declutter failed", zap.Error(err))
					continue
				}
				if sig := signature(clusters); sig != last {
					last = sig
					render(os.Stdout, ctl.State(), clusters)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "general", "scope to view")
	cmd.Flags().StringVarP(&mode, "mode", "m", "discrete", "axis mode: continuous or discrete")
	cmd.Flags().StringVar(&focus, "focus", "", "author whose events win overlaps")
	cmd.Flags().Float64Var(&scroll, "scroll", 0, "wheel delta applied once after loading")
	cmd.Flags().Float64Var(&zoom, "zoom", 0, "zoom delta applied once (continuous mode)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep following the scope")
	return cmd
}

// signature identifies what a render would show
func signature(clusters []declutter.Cluster) string {
	var b strings.Builder
	for _, c := range clusters {
		fmt.Fprintf(&b, "%s/%d;", c.Representative.Event.ID, len(c.Members))
	}
	return b.String()
}

func render(w io.Writer, st viewport.State, clusters []declutter.Cluster) {
	header := fmt.Sprintf("-- %s", st.Mode)
	if c, ok := st.Axis.(viewport.Continuous); ok {
		header += fmt.Sprintf(" %s .. %s",
			time.UnixMilli(c.Min).Format("15:04:05"),
			time.UnixMilli(c.Max).Format("15:04:05"))
	}
	if st.LiveFollow {
		header += " (live)"
	}
	fmt.Fprintln(w, header)

	for _, c := range clusters {
		rep := c.Representative
		more := ""
		if n := len(c.Members) - 1; n > 0 {
			more = fmt.Sprintf(" (+%d)", n)
		}
		fmt.Fprintf(w, "%6.0f  %s  %-10s %-10s %s%s\n",
			rep.Pos,
			rep.Event.Time().Format("15:04:05"),
			rep.Event.AuthorID,
			scoreBar(rep.Score),
			truncate(scorer.PlainText(rep.Event.Content), 50),
			more,
		)
	}
}

func scoreBar(score float64) string {
	n := int(score*10 + 0.5)
	return strings.Repeat("#", n) + strings.Repeat(".", 10-n)
}
