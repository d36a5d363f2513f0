package main

import (
	"context"
	"fmt"
	"time"

	"github.com/distribution/imagebuilder/configuration"
	"github.com/distribution/imagebuilder/internal/dcontext"
	"github.com/sirupsen/logrus"
)

// configureLogging prepares the context with a logger using the options.
func configureLogging(ctx context.Context, opts *configuration.Options) (context.Context, error) {
	logrus.SetLevel(logLevel(opts.Log.Level))

	formatter := opts.Log.Formatter
	if formatter == "" {
		formatter = "text" // default formatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", opts.Log.Formatter)
	}

	if opts.Log.Formatter != "" {
		logrus.Debugf("using %q logging formatter", opts.Log.Formatter)
	}

	if len(opts.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []interface{}
		for k := range opts.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, opts.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	dcontext.SetDefaultLogger(dcontext.GetLogger(ctx))
	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}
