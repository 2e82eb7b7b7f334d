package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"cartsync/app"
	"cartsync/events"
	"cartsync/logging"
	"cartsync/messaging"
)

// EventLine watch 输出的单条事件
type EventLine struct {
	Name    string         `json:"name"`
	Payload events.Payload `json:"payload"`
	Relayed bool           `json:"relayed,omitempty"`
	At      time.Time      `json:"at"`
}

// NewWatchCommand 持续打印总线事件，可选定时刷新
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print cart events until interrupted",
		Long: `Print every event published on the cart bus, including events received
through the configured relay. With --interval the cart is refetched periodically.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				return runWatch(ctx, a, out, interval)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "refetch the cart at this interval (0 disables)")
	return cmd
}

func runWatch(ctx context.Context, a *app.App, out *OutputFormatter, interval time.Duration) error {
	var mu sync.Mutex
	sub, err := a.Bus().SubscribeAll(func(ctx context.Context, p events.Payload, msg messaging.IMessage) error {
		line := EventLine{
			Name:    string(p.EventName()),
			Payload: p,
			Relayed: messaging.IsRelayed(msg),
			At:      msg.GetTimestamp(),
		}
		mu.Lock()
		defer mu.Unlock()
		return writeEvent(out, line)
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := a.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "start relay", err)
	}
	out.VerboseLog("watching cart events")
	if stats, ok := a.RelayStats(); ok {
		out.VerboseLog("relay running=%t handlers=%d types=%s",
			stats.Running, stats.HandlerCount, strings.Join(stats.MessageTypes, ","))
	}

	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Coordinator().Refresh(ctx); err != nil && ctx.Err() == nil {
				a.Logger().Warn(ctx, "periodic refresh failed", logging.Error(err))
			}
		}
	}
}

func writeEvent(out *OutputFormatter, line EventLine) error {
	if out.Format == "json" {
		return json.NewEncoder(out.Writer).Encode(line)
	}
	data, err := json.Marshal(line.Payload)
	if err != nil {
		return err
	}
	suffix := ""
	if line.Relayed {
		suffix = " (relayed)"
	}
	_, err = fmt.Fprintf(out.Writer, "%s %s%s\n", line.Name, data, suffix)
	return err
}
