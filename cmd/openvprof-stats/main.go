// Command openvprof-stats imports a trace into SQLite and prints its size,
// time extent and per-kind document counts.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/sink"
	"codeberg.org/mutker/openvprof/internal/tracedb"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("openvprof-stats", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", tracedb.MemoryPath, "SQLite database to import into")
	compression := fs.String("compression", "auto", "Trace compression: auto, none, lz4, zstd")
	logLevel := fs.String("log-level", "warn", "Log level: "+strings.Join(logger.LevelNames, ", "))
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: openvprof-stats [flags] TRACE")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	level, ok := logger.ParseLevel(*logLevel)
	log := logger.NewWithWriter(stderr, level)
	if !ok {
		log.Warn().Str("log_level", *logLevel).Msg("Unknown log level")
	}

	comp, err := sink.ParseCompression(*compression)
	if err != nil {
		log.Error().Err(err).Msg("Invalid compression")
		return 2
	}

	cfg := tracedb.DefaultConfig()
	cfg.DBPath = *dbPath

	db, err := tracedb.Open(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	ctx := context.Background()

	imp, err := db.Import(ctx, fs.Arg(0), comp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to import trace")
		return 1
	}

	stats, err := db.Stats(ctx, imp.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query stats")
		return 1
	}

	printStats(stdout, stats)

	return 0
}

func printStats(w io.Writer, s *tracedb.Stats) {
	fmt.Fprintf(w, "file %s\n", s.Path)
	fmt.Fprintf(w, "size %.3fMB\n", float64(s.FileSize)/1024/1024)
	fmt.Fprintf(w, "records %d\n", s.Records)
	if s.HasExtent {
		fmt.Fprintf(w, "first timestamp: %d\n", s.FirstNS)
		fmt.Fprintf(w, "last timestamp: %d\n", s.LastNS)
		fmt.Fprintf(w, "elapsed: %.9fs\n", s.Elapsed().Seconds())
	}
	for _, c := range s.Counts {
		fmt.Fprintf(w, "stats\t%s\t%d\n", c.Kind, c.Count)
	}
}
