// Package logging configures the process-wide logrus logger.
//
// Every line that concerns a single host carries a "host" field so that
// output from many hosts driven in parallel stays attributable:
//
//	time="..." level=info msg="container started" host=lab-host-01 run=5c1e...
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options selects level and formatter.
type Options struct {
	// Level is a logrus level name (debug, info, warn, error)
	Level string

	// Format is "text" or "json"
	Format string

	// Output defaults to stderr
	Output io.Writer
}

// Setup applies the options to the standard logrus logger.
func Setup(opts Options) error {
	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logrus.SetLevel(lvl)

	switch opts.Format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logrus.SetOutput(out)
	return nil
}

// ForHost returns an entry tagged with the host identity.
func ForHost(host string) *logrus.Entry {
	return logrus.WithField("host", host)
}
