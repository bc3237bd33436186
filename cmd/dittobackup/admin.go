package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/config"
	"github.com/marmos91/dittobackup/pkg/datastore"
	"github.com/marmos91/dittobackup/pkg/setup"
)

func runInit(_ context.Context, g *globals, args []string) error {
	var force bool
	fs := newFlagSet("init", "[--force]")
	fs.BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := g.configPath
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	if err := config.InitConfigToPath(path, force); err != nil {
		return err
	}
	fmt.Fprintf(g.stdout, "wrote %s\n", path)
	return nil
}

func runKeygen(_ context.Context, g *globals, args []string) error {
	var path, password string
	fs := newFlagSet("keygen", "--keyfile <path> [--key-password <password>]")
	fs.StringVarP(&path, "keyfile", "k", "", "keyfile to create")
	fs.StringVar(&password, "key-password", "", "protect the key with this password (scrypt)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("keygen: --keyfile is required")
	}

	key, err := datastore.CreateKeyfile(path, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout, "created %s (fingerprint %s)\n", path, key.Fingerprint())
	return nil
}

func runSnapshots(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("snapshots", "[type/id]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	group := fs.Arg(0)

	return g.withRuntime(ctx, func(rt *config.Runtime) error {
		records, err := rt.Server.Snapshots(ctx, group)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SNAPSHOT\tSIZE\tARCHIVES\tENCRYPTED\tOWNER")
		for _, rec := range records {
			names := make([]string, 0, len(rec.Manifest.Archives)+len(rec.Manifest.Blobs))
			for _, a := range rec.Manifest.Archives {
				names = append(names, a.Name)
			}
			for _, b := range rec.Manifest.Blobs {
				names = append(names, b.Name)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%s\n",
				rec.Snapshot(), rec.Size(), strings.Join(names, ","), rec.Manifest.Encrypted, rec.Owner)
		}
		return tw.Flush()
	})
}

func runForget(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("forget", "<type/id/time>...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("forget: no snapshot given")
	}

	snaps := make([]setup.Snapshot, 0, fs.NArg())
	for _, arg := range fs.Args() {
		snap, err := setup.ParseSnapshot(arg)
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
	}

	return g.withRuntime(ctx, func(rt *config.Runtime) error {
		for _, snap := range snaps {
			if err := rt.Server.Forget(ctx, snap); err != nil {
				return err
			}
			fmt.Fprintf(g.stdout, "forgot %s\n", snap)
		}
		return nil
	})
}

func runGC(ctx context.Context, g *globals, args []string) error {
	var dryRun, watch bool
	fs := newFlagSet("gc", "[--dry-run] [--watch]")
	fs.BoolVarP(&dryRun, "dry-run", "n", false, "report what would be deleted")
	fs.BoolVarP(&watch, "watch", "w", false, "keep running and collect every gc.interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return g.withRuntime(ctx, func(rt *config.Runtime) error {
		gcCfg := rt.Config.GC
		gcCfg.DryRun = gcCfg.DryRun || dryRun

		if watch {
			gcCfg.Enabled = true
			collector, err := config.CreateCollector(&gcCfg, rt.Server)
			if err != nil {
				return err
			}
			collector.Start()
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), rt.Config.Server.ShutdownTimeout)
			defer cancel()
			return collector.Stop(stopCtx)
		}

		collector := rt.Collector
		if dryRun {
			var err error
			if collector, err = config.CreateCollector(&gcCfg, rt.Server); err != nil {
				return err
			}
		}

		stats, err := collector.RunNow(ctx)
		if err != nil {
			return err
		}
		logger.Debug("gc took %s", stats.Duration().Round(time.Millisecond))
		fmt.Fprintln(g.stdout, stats.Summary())
		return nil
	})
}
