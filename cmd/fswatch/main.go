// Command fswatch prints a line for every filesystem change below the watched
// paths until it's interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fsnotify/fswatch"
)

var usage = `
fswatch prints filesystem events for one or more paths until interrupted.

Usage:

    fswatch [flags] path [path ...]

Every event is printed as:

    paths: <path> flags: <flags> id: <id>

Flags:
`[1:]

// errUsage is returned by Main.Run if the command line is wrong; the message
// has already been printed.
var errUsage = errors.New("usage")

func main() {
	m := NewMain()
	err := m.Run(context.Background(), os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(1)
	default:
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

// Main is the fswatch program.
type Main struct {
	Stdout io.Writer
	Stderr io.Writer

	// Notification service; fswatch.NewSource if nil.
	Source fswatch.Source

	// Interrupts; SIGINT and SIGTERM if nil.
	Signals <-chan os.Signal
}

// NewMain returns a Main writing to the standard output and error.
func NewMain() *Main {
	return &Main{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run parses the arguments and watches until a signal is received or ctx is
// cancelled.
func (m *Main) Run(ctx context.Context, args []string) error {
	config, err := m.parse(args)
	if err != nil {
		return err
	}
	if len(config.Paths) == 0 {
		fmt.Fprintln(m.Stdout, "No paths specified")
		return errUsage
	}

	logger := initLog(m.Stderr, config.Logging.Level, config.Logging.Type)

	since, err := ParseSince(config.Since)
	if err != nil {
		return err
	}
	req, err := fswatch.NewWatchRequest(config.Paths, config.Filter)
	if err != nil {
		return err
	}
	filter, err := fswatch.LoadFilter(req.FilterFile())
	if err != nil {
		return fmt.Errorf("loading filter: %w", err)
	}
	if filter.Len() > 0 {
		logger.Debug("filter loaded", "file", req.FilterFile(), "patterns", filter.Len())
	}

	src := m.Source
	if src == nil {
		src = fswatch.NewSource(logger)
	}
	stream, err := fswatch.CreateStream(src, req, fswatch.StreamOptions{
		Since:         since,
		Latency:       *config.Latency,
		DirEventsOnly: !*config.FileEvents,
		MaxPending:    config.MaxPending,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(m.Stdout, "Monitoring: %q\n", stream.Paths())

	if config.Addr != "" {
		stop, err := serveMetrics(config.Addr, logger)
		if err != nil {
			return errors.Join(err, stream.Shutdown())
		}
		defer stop()
	}

	signals := m.Signals
	if signals == nil {
		signals = signalChan()
	}
	ctrl := fswatch.NewShutdownController(stream, logger)
	ctrl.Watch(signals)
	defer ctrl.Close()

	d := fswatch.NewDispatcher(m.Stdout, filter, logger)
	if err := stream.Start(d.Dispatch); err != nil {
		return err
	}

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		ctrl.Trigger("context cancelled")
	case <-stream.Done():
		if stream.Err() != nil {
			ctrl.Trigger("subscription failed")
		}
	}
	<-ctrl.Done()

	stats := d.Stats()
	logger.Info("fswatch stopped",
		"batches", humanize.Comma(int64(stats.Batches)),
		"printed", humanize.Comma(int64(stats.Emitted)),
		"filtered", humanize.Comma(int64(stats.Filtered)),
		"invalid_path", humanize.Comma(int64(stats.InvalidPath)))

	if err := stream.Err(); err != nil {
		return err
	}
	// An interrupt always exits cleanly; the controller has already logged
	// any teardown error.
	return nil
}

func (m *Main) parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("fswatch", flag.ContinueOnError)
	fs.SetOutput(m.Stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var (
		configPath  = fs.String("config", "", "YAML config file")
		noExpandEnv = fs.Bool("no-expand-env", false, "do not expand env vars in config")
		filter      = fs.String("filter", "", "file with exclusion patterns; one regular expression per line")
		latency     = fs.Duration("latency", fswatch.DefaultLatency, "how long to coalesce changes before printing them")
		since       = fs.String("since", "now", `event id to start from, or "now"`)
		dirEvents   = fs.Bool("dir-events", false, "report changes per directory instead of per file")
		logLevel    = fs.String("log-level", "", "log level: debug, info, warn or error")
		logType     = fs.String("log-type", "", "log format: text or json")
		metricsAddr = fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	config := DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = ReadConfigFile(*configPath, !*noExpandEnv); err != nil {
			return config, err
		}
	}

	// Flags given on the command line override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "filter":
			config.Filter = *filter
		case "latency":
			config.Latency = latency
		case "since":
			config.Since = *since
		case "dir-events":
			fileEvents := !*dirEvents
			config.FileEvents = &fileEvents
		case "log-level":
			config.Logging.Level = *logLevel
		case "log-type":
			config.Logging.Type = *logType
		case "metrics-addr":
			config.Addr = *metricsAddr
		}
	})
	config.Paths = append(config.Paths, fs.Args()...)

	return config, config.Validate()
}

// serveMetrics serves Prometheus metrics on addr until the returned function
// is called.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	hostport := addr
	if host, port, _ := net.SplitHostPort(addr); port == "" {
		return nil, fmt.Errorf("must specify port for metrics address: %q", addr)
	} else if host == "" {
		hostport = net.JoinHostPort("localhost", port)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}

	logger.Info("serving metrics", "url", fmt.Sprintf("http://%s/metrics", hostport))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return func() { _ = srv.Close() }, nil
}
