package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/chmdznr/edusync/internal/auth"
	"github.com/chmdznr/edusync/internal/config"
	"github.com/chmdznr/edusync/internal/db"
	"github.com/chmdznr/edusync/internal/logging"
	"github.com/chmdznr/edusync/internal/remote"
	"github.com/chmdznr/edusync/internal/sync"
	"github.com/chmdznr/edusync/pkg/models"
	"github.com/chmdznr/edusync/pkg/utils"
	"github.com/chmdznr/edusync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "edusync",
		Usage:                "Offline-first sync for the learning portal",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Value:   "edusync.yaml",
				EnvVars: []string{"EDUSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the local database (overrides config)",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Remote authority URL (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "login",
				Usage: "Log in and keep the session on this device",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "username",
						Aliases:  []string{"u"},
						Usage:    "Portal username",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "password",
						Aliases: []string{"p"},
						Usage:   "Portal password",
						EnvVars: []string{"EDUSYNC_PASSWORD"},
					},
				},
				Action: login,
			},
			{
				Name:   "logout",
				Usage:  "Log out and wipe the local cache",
				Action: logout,
			},
			{
				Name:   "whoami",
				Usage:  "Show the logged-in user",
				Action: whoami,
			},
			{
				Name:  "put",
				Usage: "Change a record locally and queue it for sync",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "type",
						Usage:    "Entity type (lesson, quiz, progress, announcement)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Entity ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "payload",
						Usage: "JSON object with the record contents",
						Value: "{}",
					},
					&cli.BoolFlag{
						Name:  "create",
						Usage: "Create a new record",
					},
					&cli.BoolFlag{
						Name:  "delete",
						Usage: "Delete the record",
					},
				},
				Action: putRecord,
			},
			{
				Name:      "get",
				Usage:     "Print a cached record",
				ArgsUsage: "<type> <id>",
				Action:    getRecord,
			},
			{
				Name:      "list",
				Usage:     "List cached records",
				ArgsUsage: "[type]",
				Action:    listRecords,
			},
			{
				Name:   "pending",
				Usage:  "List mutations waiting to be pushed",
				Action: listPending,
			},
			{
				Name:   "status",
				Usage:  "Show cache and outbox status",
				Action: showStatus,
			},
			{
				Name:   "sync",
				Usage:  "Run one sync cycle",
				Action: startSync,
			},
			{
				Name:  "run",
				Usage: "Keep syncing in the background and report status changes",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-keys",
						Usage: "Do not read key presses ('s' sync now, 'q' quit)",
					},
				},
				Action: runEngine,
			},
			{
				Name:  "serve",
				Usage: "Serve the sync API backed by a MinIO bucket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Listen address (overrides config)",
					},
					&cli.BoolFlag{
						Name:  "memory",
						Usage: "Keep data in memory instead of MinIO",
					},
					&cli.StringSliceFlag{
						Name:  "user",
						Usage: "Seed a user as name:password:role (repeatable)",
					},
				},
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if v := c.String("db"); v != "" {
		cfg.Database = v
	}
	if v := c.String("endpoint"); v != "" {
		cfg.Remote.Endpoint = v
	}
	if c.Bool("debug") {
		cfg.Logging.Debug = true
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Debug, cfg.Logging.JSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// device is everything a device-side command needs.
type device struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *db.DB
	client  *remote.Client
	manager *auth.Manager
}

func openDevice(c *cli.Context) (*device, error) {
	return openWith(c, db.Open)
}

// openCachedDevice is openDevice for commands that only read: when the
// database cannot be written it is opened read-only instead.
func openCachedDevice(c *cli.Context) (*device, error) {
	return openWith(c, db.OpenCached)
}

func openWith(c *cli.Context, openStore func(string, *zap.Logger) (*db.DB, error)) (*device, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := remote.NewClient(cfg.Remote.Endpoint, cfg.GetRemoteTimeout(), logger)
	manager := auth.NewManager(store, client, cfg.GetLogoutTimeout(), logger)
	if err := manager.Init(c.Context); err != nil {
		if !store.ReadOnly() {
			store.Close()
			return nil, err
		}
		logger.Warn("session not restored", zap.Error(err))
	}

	return &device{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  client,
		manager: manager,
	}, nil
}

func (d *device) Close() {
	d.store.Close()
	_ = d.logger.Sync()
}

func (d *device) syncer() *sync.Syncer {
	return sync.NewSyncer(d.store, d.manager, d.client, sync.SyncerConfig{
		Interval:      d.cfg.GetSyncInterval(),
		RemoteTimeout: d.cfg.GetRemoteTimeout(),
		ProbeTimeout:  d.cfg.GetProbeTimeout(),
		BackoffBase:   d.cfg.GetBackoffBase(),
		BackoffMax:    d.cfg.GetBackoffMax(),
		PullPageSize:  d.cfg.Sync.PullPageSize,
	}, d.logger)
}

func login(c *cli.Context) error {
	d, err := openDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	password := c.String("password")
	if password == "" {
		return fmt.Errorf("password is required (--password or EDUSYNC_PASSWORD)")
	}

	session, err := d.manager.Login(c.Context, models.Credentials{
		Username: c.String("username"),
		Password: password,
	})
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return fmt.Errorf("wrong username or password")
	case errors.Is(err, auth.ErrNetworkUnavailable):
		return fmt.Errorf("cannot reach %s, try again when online", d.cfg.Remote.Endpoint)
	case err != nil:
		return err
	}

	fmt.Printf("Logged in as %s (%s)\n", session.UserID, session.Role)
	fmt.Printf("Session expires in %s\n", utils.FormatDuration(time.Until(session.ExpiresAt)))
	return nil
}

func logout(c *cli.Context) error {
	d, err := openDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.manager.Logout(c.Context); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	fmt.Println("Logged out, local data removed")
	return nil
}

func whoami(c *cli.Context) error {
	d, err := openCachedDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	user := d.manager.CurrentUser()
	if user == nil {
		fmt.Println("Not logged in")
		return nil
	}
	fmt.Printf("User: %s\n", user.UserID)
	fmt.Printf("Role: %s\n", user.Role)
	if d.manager.NeedsRefresh() {
		fmt.Println("Session: expired, will refresh on next sync")
	}
	return nil
}

func putRecord(c *cli.Context) error {
	entityType := c.String("type")
	if !remote.EntityTypes[entityType] {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	if c.Bool("create") && c.Bool("delete") {
		return fmt.Errorf("--create and --delete are mutually exclusive")
	}

	op := models.OpUpdate
	switch {
	case c.Bool("create"):
		op = models.OpCreate
	case c.Bool("delete"):
		op = models.OpDelete
	}

	var payload json.RawMessage
	if op != models.OpDelete {
		payload = json.RawMessage(c.String("payload"))
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	d, err := openDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	if d.manager.CurrentUser() == nil {
		return auth.ErrNotLoggedIn
	}

	rec, m, err := d.store.ApplyLocal(c.Context, entityType, c.String("id"), op, payload)
	if err != nil {
		return fmt.Errorf("failed to apply change: %w", err)
	}

	fmt.Printf("%s %s/%s (version %d)\n", op, rec.EntityType, rec.ID, rec.Version)
	if m.MutationID == "" {
		fmt.Println("Change cancelled an unsent create, nothing to push")
		return nil
	}
	fmt.Printf("Queued mutation %s\n", m.MutationID)
	return nil
}

func getRecord(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: edusync get <type> <id>")
	}

	d, err := openCachedDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.store.Get(c.Context, c.Args().Get(0), c.Args().Get(1))
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%s/%s is not cached", c.Args().Get(0), c.Args().Get(1))
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func listRecords(c *cli.Context) error {
	d, err := openCachedDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	records, err := d.store.ListRecords(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	for _, rec := range records {
		flags := ""
		if rec.Dirty {
			flags += " dirty"
		}
		if rec.Deleted {
			flags += " deleted"
		}
		fmt.Printf("%-13s %-24s v%-4d %s%s\n", rec.EntityType, rec.ID, rec.Version,
			utils.FormatSize(int64(len(rec.Payload))), flags)
	}
	fmt.Printf("%d record(s)\n", len(records))
	return nil
}

func listPending(c *cli.Context) error {
	d, err := openCachedDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	pending, err := d.store.ListPendingMutations(c.Context)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, m := range pending {
		fmt.Printf("%s %-6s %s/%s v%d queued %s", m.MutationID, m.Operation, m.EntityType, m.EntityID,
			m.Version, utils.FormatSince(m.CreatedAt, now))
		if m.AttemptCount > 0 {
			fmt.Printf(" attempts=%d", m.AttemptCount)
		}
		if m.LastError != "" {
			fmt.Printf(" last error: %s", m.LastError)
		}
		fmt.Println()
	}
	fmt.Printf("%d pending mutation(s)\n", len(pending))
	return nil
}

// showStatus shows who is logged in, what is cached and what waits to be pushed.
func showStatus(c *cli.Context) error {
	d, err := openCachedDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	stats, err := d.store.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	if d.store.ReadOnly() {
		fmt.Printf("Database: %s (read-only, storage unavailable)\n", d.store.Path())
	} else {
		fmt.Printf("Database: %s\n", d.store.Path())
	}
	fmt.Printf("Remote: %s\n", d.cfg.Remote.Endpoint)
	if session := d.manager.Session(); session != nil {
		fmt.Printf("User: %s (%s)\n", session.UserID, session.Role)
		if session.NeedsRefresh || session.Expired(time.Now()) {
			fmt.Println("Session: expired")
		} else {
			fmt.Printf("Session: expires in %s\n", utils.FormatDuration(time.Until(session.ExpiresAt)))
		}
	} else {
		fmt.Println("User: not logged in")
	}
	fmt.Printf("Records: %d (Size: %s)\n", stats.Records, utils.FormatSize(stats.PayloadSize))
	fmt.Printf("Unsynced Records: %d\n", stats.DirtyRecords)
	fmt.Printf("Pending Mutations: %d (%d retrying)\n", stats.PendingCount, stats.RetryingCount)
	checkpoint := stats.Checkpoint
	if checkpoint == "" {
		checkpoint = "none, full pull on next sync"
	}
	fmt.Printf("Checkpoint: %s\n", checkpoint)
	return nil
}

// startSync runs one cycle in the foreground with a progress bar for the push phase.
func startSync(c *cli.Context) error {
	d, err := openDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	syncer := d.syncer()

	var bar *pb.ProgressBar
	syncer.OnPush(func(done, total int, m models.PendingMutation) {
		if bar == nil {
			bar = pb.New(total)
			bar.SetTemplate(`Pushing {{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
			bar.Start()
		}
		bar.SetCurrent(int64(done))
	})
	syncer.OnLostUpdate(func(lost models.LostUpdate) {
		fmt.Fprintf(os.Stderr, "Change to %s/%s was rejected: %s\n",
			lost.Mutation.EntityType, lost.Mutation.EntityID, lost.Reason)
	})

	start := time.Now()
	result := syncer.RunCycle(c.Context)
	if bar != nil {
		bar.Finish()
	}
	return printCycle(result, time.Since(start))
}

func printCycle(result sync.CycleResult, elapsed time.Duration) error {
	switch {
	case result.NoSession:
		return fmt.Errorf("not logged in")
	case result.Offline:
		fmt.Println("Remote unreachable, changes stay queued")
		return nil
	case result.Discarded:
		fmt.Println("Session changed during sync, results discarded")
		return nil
	case result.Err != nil:
		return fmt.Errorf("sync failed (retry in %s): %w", utils.FormatDuration(result.Backoff), result.Err)
	}

	fmt.Printf("Pushed: %d", result.Pushed)
	if result.Duplicates > 0 {
		fmt.Printf(" (%d already applied)", result.Duplicates)
	}
	fmt.Println()
	if result.Rejected > 0 {
		fmt.Printf("Rejected: %d\n", result.Rejected)
	}
	fmt.Printf("Pulled: %d", result.Pulled)
	if result.Skipped > 0 {
		fmt.Printf(" (%d skipped)", result.Skipped)
	}
	fmt.Println()
	fmt.Printf("Sync completed in %s\n", utils.FormatDuration(elapsed))
	return nil
}
