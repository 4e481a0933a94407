package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fentz26/labflow/internal/config"
	"github.com/fentz26/labflow/internal/notify"
)

var (
	watchConfigPath string
	watchOutput     string
	watchMine       bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task events as they happen",
	Long: `Subscribes to the daemon's Redis event channel and prints task events
(created, handover, completed, status, overdue) as they are published.

Output Formats:
  default - Human-readable lines
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything
  labflow watch

  # Only events sent to or from you
  labflow watch --mine -u alice

  # Export events as JSON
  labflow watch --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchConfigPath, "config", config.DefaultPath(), "Path to the YAML config file")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().BoolVar(&watchMine, "mine", false, "Only show events to or from --user")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	asJSON := false
	switch watchOutput {
	case "default":
	case "json":
		asJSON = true
	default:
		return fmt.Errorf("unknown output format %q (valid: default, json)", watchOutput)
	}

	only := ""
	if watchMine {
		if userName == "" {
			return fmt.Errorf("--mine needs --user or LABFLOW_USER")
		}
		only = userName
	}

	_ = godotenv.Load()
	cfg, err := config.Load(watchConfigPath)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("notifications are not configured: set redis.addr in %s or LABFLOW_REDIS_ADDR", watchConfigPath)
	}

	p, err := notify.NewRedisPublisher(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Instance)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub, err := p.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if !asJSON {
		faint.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", notify.EventsChannel(cfg.Redis.Instance))
	}
	return streamEvents(sub.Events(), os.Stdout, only, asJSON)
}

// streamEvents prints events until the channel closes. A non-empty user
// keeps only events sent to or from that user.
func streamEvents(events <-chan notify.Event, w io.Writer, user string, asJSON bool) error {
	enc := json.NewEncoder(w)
	for e := range events {
		if user != "" && e.To != user && e.From != user {
			continue
		}
		if asJSON {
			if err := enc.Encode(e); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintln(w, formatEvent(e)); err != nil {
			return err
		}
	}
	return nil
}

func formatEvent(e notify.Event) string {
	line := fmt.Sprintf("%s  %-15s #%d %s", e.At, e.Type, e.TaskID, e.Title)
	switch e.Type {
	case notify.EventHandover:
		line += fmt.Sprintf("  %s → %s", e.From, e.To)
		if e.Stage != "" {
			line += ", now at " + e.Stage
		}
	case notify.EventCompleted:
		line = green.Sprint(line)
	case notify.EventOverdue:
		line = yellow.Sprint(line) + "  held by " + e.To
	default:
		if e.From != "" {
			line += "  by " + e.From
		}
	}
	if e.Note != "" {
		line += "  (" + e.Note + ")"
	}
	return line
}
