package main

import (
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// newLogger builds the root JSON logger. It also serves as the provider for
// the named component loggers.
func newLogger(level string, out io.Writer) *glog.BaseLogger {
	if out == nil {
		out = os.Stdout
	}
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		level = glog.DefaultLogLevel
	}
	return glog.NewLogger(
		glog.WithName("guardd"),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
		glog.WithWriter(out),
	)
}
