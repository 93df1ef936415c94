package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli"

	"github.com/gogpu/voxgi"
)

// setupLogging installs a charmbracelet handler. Warnings and errors are
// always shown; -v adds info and -vv adds debug records.
func setupLogging(ctx *cli.Context) {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "voxgi",
	})
	l.SetLevel(log.WarnLevel)
	if ctx.GlobalBool("v") {
		l.SetLevel(log.InfoLevel)
	}
	if ctx.GlobalBool("vv") {
		l.SetLevel(log.DebugLevel)
	}
	voxgi.SetLogger(slog.New(l))
}
