// Package main is the entry point for enginectl, a non-interactive CLI
// over the unified context storage engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/compresr/context-engine/internal/config"
	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engine"
	"github.com/compresr/context-engine/internal/monitoring"
	"github.com/compresr/context-engine/internal/store/backend"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "store":
		runStore(os.Args[2:])
	case "retrieve":
		runRetrieve(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "update":
		runUpdate(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("enginectl - context storage engine CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  enginectl <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  store     Store a record (reads JSON content from -content or stdin)")
	fmt.Println("  retrieve  Retrieve a record by id")
	fmt.Println("  query     Query records by owner/type/full-text term")
	fmt.Println("  update    Apply a partial update (JSON object of dotted path -> value) to a record")
	fmt.Println("  delete    Delete a record by id")
	fmt.Println("  stats     Print a metrics and health snapshot")
	fmt.Println()
	fmt.Println("All commands accept -config FILE (default config.yaml).")
}

// bootstrap loads .env, config, and a ready-to-use Engine. Callers must
// call shutdown() before exiting.
func bootstrap(configPath string) (*engine.Engine, *monitoring.Logger, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := monitoring.New(monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eng, err := engine.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Initialize(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize engine: %w", err)
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("engine shutdown error")
		}
	}
	return eng, logger, shutdown, nil
}

// cancelOnSignal returns a context cancelled on SIGINT/SIGTERM.
func cancelOnSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runStore(args []string) {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	id := fs.String("id", "", "context id (generated if empty)")
	recordType := fs.String("type", string(contextmodel.TypeConversation), "conversation, task, knowledge, or session")
	owner := fs.String("owner", "", "owning user or agent")
	content := fs.String("content", "", "JSON content (reads stdin if empty)")
	priority := fs.Int("priority", 0, "routing priority 0..10")
	service := fs.String("service", "", "preferred service: memory, indexed, or archive")
	_ = fs.Parse(args)

	raw, err := readContent(*content)
	if err != nil {
		fatal(err)
	}

	eng, _, shutdown, err := bootstrap(*configPath)
	if err != nil {
		fatal(err)
	}
	defer shutdown()

	ctx, cancel := cancelOnSignal(context.Background())
	defer cancel()

	contextID := *id
	if contextID == "" {
		contextID = uuid.NewString()
	}
	now := time.Now().UTC()
	r := contextmodel.Record{
		ID:            contextID,
		Type:          contextmodel.RecordType(*recordType),
		SchemaVersion: contextmodel.MinSupportedSchemaVersion,
		Content:       raw,
		Metadata: contextmodel.Metadata{
			Priority:     *priority,
			CreatedAt:    now,
			LastAccessed: now,
			Owner:        *owner,
		},
		Version: 1,
	}
	canonical, err := contextmodel.Canonicalize(raw)
	if err != nil {
		fatal(fmt.Errorf("canonicalize content: %w", err))
	}
	r.Checksum = contextmodel.Digest(canonical)

	var preferred []contextmodel.Service
	if *service != "" {
		preferred = []contextmodel.Service{contextmodel.Service(*service)}
	}

	loc, err := eng.Store(ctx, r, preferred...)
	if err != nil {
		fatal(fmt.Errorf("store: %w", err))
	}
	printJSON(loc)
}

func runRetrieve(args []string) {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	id := fs.String("id", "", "context id")
	_ = fs.Parse(args)
	if *id == "" {
		fatal(fmt.Errorf("-id is required"))
	}

	eng, _, shutdown, err := bootstrap(*configPath)
	if err != nil {
		fatal(err)
	}
	defer shutdown()

	ctx, cancel := cancelOnSignal(context.Background())
	defer cancel()

	r, err := eng.Retrieve(ctx, *id)
	if err != nil {
		fatal(fmt.Errorf("retrieve: %w", err))
	}
	printJSON(r)
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	owner := fs.String("owner", "", "filter by owner")
	recordType := fs.String("type", "", "filter by record type")
	fullText := fs.String("text", "", "full-text search term")
	limit := fs.Int("limit", 50, "max results")
	_ = fs.Parse(args)

	eng, _, shutdown, err := bootstrap(*configPath)
	if err != nil {
		fatal(err)
	}
	defer shutdown()

	ctx, cancel := cancelOnSignal(context.Background())
	defer cancel()

	q := backend.Query{
		Owner:        *owner,
		Type:         contextmodel.RecordType(*recordType),
		FullTextTerm: *fullText,
		Limit:        *limit,
	}
	records, err := eng.Query(ctx, q)
	if err != nil {
		fatal(fmt.Errorf("query: %w", err))
	}
	printJSON(records)
}

func runUpdate(args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	id := fs.String("id", "", "context id")
	patch := fs.String("patch", "", "JSON object of dotted-path -> value (reads stdin if empty)")
	_ = fs.Parse(args)
	if *id == "" {
		fatal(fmt.Errorf("-id is required"))
	}

	raw, err := readContent(*patch)
	if err != nil {
		fatal(err)
	}
	var partial map[string]any
	if err := json.Unmarshal(raw, &partial); err != nil {
		fatal(fmt.Errorf("parse patch: %w", err))
	}

	eng, _, shutdown, err := bootstrap(*configPath)
	if err != nil {
		fatal(err)
	}
	defer shutdown()

	ctx, cancel := cancelOnSignal(context.Background())
	defer cancel()

	if err := eng.Update(ctx, *id, partial); err != nil {
		fatal(fmt.Errorf("update: %w", err))
	}
	fmt.Println("ok")
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	id := fs.String("id", "", "context id")
	_ = fs.Parse(args)
	if *id == "" {
		fatal(fmt.Errorf("-id is required"))
	}

	eng, _, shutdown, err := bootstrap(*configPath)
	if err != nil {
		fatal(err)
	}
	defer shutdown()

	ctx, cancel := cancelOnSignal(context.Background())
	defer cancel()

	if err := eng.Delete(ctx, *id); err != nil {
		fatal(fmt.Errorf("delete: %w", err))
	}
	fmt.Println("ok")
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)

	eng, _, shutdown, err := bootstrap(*configPath)
	if err != nil {
		fatal(err)
	}
	defer shutdown()

	printJSON(eng.GetMetrics())
}

// readContent returns explicit if non-empty, otherwise reads all of stdin.
func readContent(explicit string) (json.RawMessage, error) {
	if explicit != "" {
		return json.RawMessage(explicit), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no content provided (use -content or pipe JSON on stdin)")
	}
	return json.RawMessage(data), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
