package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/edusync/internal/status"
	"github.com/chmdznr/edusync/pkg/models"
	"github.com/chmdznr/edusync/pkg/utils"
)

// runEngine runs the sync engine, the connectivity watcher and the status
// printer until interrupted.
func runEngine(c *cli.Context) error {
	d, err := openDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncer := d.syncer()
	reporter := status.NewReporter(d.logger)
	syncer.SetObserver(reporter)
	reporter.SetTrigger(syncer)
	syncer.OnLostUpdate(func(lost models.LostUpdate) {
		d.logger.Warn("local change lost",
			zap.String("entity_type", lost.Mutation.EntityType),
			zap.String("entity_id", lost.Mutation.EntityID),
			zap.String("reason", lost.Reason))
	})

	stats, err := d.store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	reporter.SetPending(int(stats.PendingCount))

	watcher := status.NewWatcher(d.client.Probe, reporter,
		d.cfg.GetProbeInterval(), d.cfg.GetProbeTimeout(), d.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error {
		updates, unsubscribe := reporter.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case st := <-updates:
				printStatus(st)
			}
		}
	})

	if !c.Bool("no-keys") {
		keys, err := keyboard.GetKeys(10)
		if err != nil {
			d.logger.Warn("key presses disabled", zap.Error(err))
		} else {
			defer keyboard.Close()
			fmt.Println("Press 's' to sync now, 'q' to quit")
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev := <-keys:
						if ev.Err != nil {
							return fmt.Errorf("failed to read keys: %w", ev.Err)
						}
						switch {
						case ev.Rune == 's':
							syncer.Trigger(models.TriggerManual)
						case ev.Rune == 'q', ev.Key == keyboard.KeyEsc, ev.Key == keyboard.KeyCtrlC:
							cancel()
							return nil
						}
					}
				}
			})
		}
	}

	return g.Wait()
}

func printStatus(st models.Status) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), st.Coarse)
	if st.Reason != "" {
		line += ": " + st.Reason
	}
	line += fmt.Sprintf(" | pending %d | last sync %s", st.Pending, utils.FormatSince(st.LastSync, time.Now()))
	// raw terminal mode needs an explicit carriage return
	fmt.Print(line + "\r\n")
}
