// Command escrow-audit verifies and exports the escrow event log.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"bountyescrow/config"
	"bountyescrow/crypto"
	"bountyescrow/storage/eventlog"
)

type auditReport struct {
	Records int            `json:"records"`
	Head    string         `json:"head"`
	Intact  bool           `json:"intact"`
	Error   string         `json:"error,omitempty"`
	ByType  map[string]int `json:"byType"`
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: escrow-audit <verify|report|export> --config FILE [flags]")
		return 1
	}
	switch args[0] {
	case "verify":
		return runVerify(ctx, args[1:], stdout, stderr)
	case "report":
		return runReport(ctx, args[1:], stdout, stderr)
	case "export":
		return runExport(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		return 1
	}
}

// openLog opens the event log named by an existing config file. A missing
// config is an error so auditing never bootstraps a fresh node.
func openLog(configPath string, stderr io.Writer) (*eventlog.Log, func(), error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", configPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	log, err := eventlog.New(db, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return log, closeFn, nil
}

func commonFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./config.toml", "Path to node configuration file")
	return fs, configPath
}

func runVerify(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, configPath := commonFlags("verify", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log, closeFn, err := openLog(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open event log: %v\n", err)
		return 1
	}
	defer closeFn()

	n, err := log.Verify(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "event chain broken after %d records: %v\n", n, err)
		return 2
	}
	fmt.Fprintf(stdout, "ok: %d records, head %s\n", n, log.Head())
	return 0
}

func runReport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, configPath := commonFlags("report", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log, closeFn, err := openLog(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open event log: %v\n", err)
		return 1
	}
	defer closeFn()

	report, err := buildReport(ctx, log)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build report: %v\n", err)
		return 1
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "failed to encode report: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(output))
	if !report.Intact {
		return 2
	}
	return 0
}

func buildReport(ctx context.Context, log *eventlog.Log) (*auditReport, error) {
	report := &auditReport{ByType: map[string]int{}, Head: log.Head(), Intact: true}
	n, err := log.Verify(ctx)
	if err != nil {
		if !errors.Is(err, eventlog.ErrChainBroken) {
			return nil, err
		}
		report.Intact = false
		report.Error = err.Error()
	}
	report.Records = n

	var cursor uint64
	for {
		page, err := log.Query(ctx, eventlog.Filter{AfterSeq: cursor, Limit: 1000})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return report, nil
		}
		for _, rec := range page {
			report.ByType[rec.Type]++
			cursor = rec.Seq
		}
	}
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, configPath := commonFlags("export", stderr)
	out := fs.String("out", "", "Parquet file to write")
	typ := fs.String("type", "", "only export this event type")
	address := fs.String("address", "", "only export events touching this account")
	from := fs.Int64("from", 0, "earliest event timestamp (unix seconds)")
	to := fs.Int64("to", 0, "latest event timestamp (unix seconds)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		fmt.Fprintln(stderr, "--out is required")
		return 1
	}
	log, closeFn, err := openLog(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open event log: %v\n", err)
		return 1
	}
	defer closeFn()

	filter := eventlog.Filter{Type: strings.TrimSpace(*typ), From: *from, To: *to}
	if raw := strings.TrimSpace(*address); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			fmt.Fprintf(stderr, "--address: %v\n", err)
			return 1
		}
		filter.Address = crypto.FormatAddress(addr)
	}
	n, err := log.ExportParquet(ctx, *out, filter)
	if err != nil {
		fmt.Fprintf(stderr, "export failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "exported %d records to %s\n", n, *out)
	return 0
}
