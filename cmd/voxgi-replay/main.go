// Command voxgi-replay replays a TOML scene script through the voxel GI
// subsystem and reports per-frame instance and scratch statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/gogpu/voxgi"
	"github.com/gogpu/voxgi/internal/halgpu"
)

func main() {
	app := cli.NewApp()
	app.Name = "voxgi-replay"
	app.Usage = "replay scene scripts through the voxel GI subsystem"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML config file; defaults are used when empty",
		},
		cli.StringFlag{
			Name:  "backend",
			Value: halgpu.BackendNoop,
			Usage: "secondary device backend: noop or vulkan",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "replay a scene script",
			ArgsUsage: "scene.toml",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "watch",
					Usage: "reload tunables when the config file changes",
				},
			},
			Action: runScript,
		},
		{
			Name:      "capture",
			Usage:     "replay a scene script and write the debug view as TIFF",
			ArgsUsage: "scene.toml",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Value: "debug.tiff",
					Usage: "output image",
				},
				cli.StringSliceFlag{
					Name:  "debug, d",
					Value: &cli.StringSlice{},
					Usage: "debug view selection (bricks, distance, instances, cascades)",
				},
			},
			Action: captureScript,
		},
		{
			Name:   "config",
			Usage:  "print the effective configuration",
			Action: printConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "voxgi-replay:", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (voxgi.Config, error) {
	path := ctx.GlobalString("config")
	if path == "" {
		return voxgi.DefaultConfig(), nil
	}
	return voxgi.LoadConfig(path)
}

func prepare(ctx *cli.Context, cfg voxgi.Config) (*replayer, *Script, error) {
	if ctx.NArg() != 1 {
		return nil, nil, errors.New("missing scene file argument")
	}
	script, err := LoadScript(ctx.Args().First())
	if err != nil {
		return nil, nil, err
	}
	r, err := newReplayer(cfg, ctx.GlobalString("backend"))
	if err != nil {
		return nil, nil, err
	}
	if err := r.load(script); err != nil {
		r.close()
		return nil, nil, err
	}
	return r, script, nil
}

func runScript(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	r, script, err := prepare(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	if path := ctx.GlobalString("config"); path != "" && ctx.Bool("watch") {
		w, err := voxgi.WatchConfig(path, r.sys.Reload)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	if err := r.run(context.Background(), script, os.Stdout); err != nil {
		return err
	}
	printStats(os.Stdout, r.sys.Stats())
	return nil
}

func captureScript(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if d := ctx.StringSlice("debug"); len(d) > 0 {
		cfg.Tunables.Debug = d
	} else if len(cfg.Tunables.Debug) == 0 {
		cfg.Tunables.Debug = []string{"bricks"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r, script, err := prepare(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	if err := r.run(context.Background(), script, os.Stdout); err != nil {
		return err
	}
	out := ctx.String("out")
	if err := r.sys.Capture(out); err != nil {
		return err
	}
	w, h := r.sys.DebugSize()
	fmt.Printf("debug view %dx%d written to %s\n", w, h, out)
	return nil
}

func printConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
