package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/app"
	"github.com/dvloznov/expense-assistant/internal/config"
	"github.com/dvloznov/expense-assistant/internal/gcsarchive"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	log := logger.NewWithConfig(cfg.LogLevel, cfg.LogFormat)

	switch os.Args[1] {
	case "prompt":
		runPrompt(cfg, log)
	case "parse":
		runParse(cfg, log)
	case "reconcile":
		runReconcile(cfg, log)
	case "usage":
		runUsage(cfg, log)
	case "seed":
		runSeed(cfg, log)
	case "deactivate":
		runDeactivate(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Expense Assistant CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  prompt     Render the extraction prompt for a tracker")
	fmt.Println("  parse      Extract transactions from a message")
	fmt.Println("  reconcile  Replay a stored model output against a tracker's taxonomy")
	fmt.Println("  usage      Show daily token usage")
	fmt.Println("  seed       Load the built-in taxonomy for a tracker (sqlite only)")
	fmt.Println("  deactivate Hide a tracker's category from future prompts (sqlite only)")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func mustBuild(ctx context.Context, cfg *config.Config, log zerolog.Logger) *app.App {
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	services, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	return services
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func runPrompt(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("prompt", flag.ExitOnError)
	trackerID := fs.String("tracker", "", "Tracker ID (empty for the built-in taxonomy)")
	currency := fs.String("currency", cfg.DefaultCurrency, "Tracker currency")
	fs.Parse(os.Args[2:])

	ctx := logger.WithContext(context.Background(), log)
	services := mustBuild(ctx, cfg, log)
	defer services.Close()

	pools, err := services.Taxonomy.LoadPools(ctx, *trackerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load taxonomy")
	}

	fmt.Println(pipeline.BuildSystemPrompt(pools, *currency))
}

func runParse(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	text := fs.String("text", "", "Message to parse")
	trackerID := fs.String("tracker", "", "Tracker ID (empty for the built-in taxonomy)")
	currency := fs.String("currency", "", "Tracker currency")
	fs.Parse(os.Args[2:])

	if *text == "" {
		log.Fatal().Msg("Usage: cli parse -text MESSAGE [-tracker ID]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	services := mustBuild(ctx, cfg, log)
	defer services.Close()

	result, err := services.Assistant.ParseMessage(ctx, pipeline.ParseRequest{
		Text:            *text,
		TrackerID:       *trackerID,
		TrackerCurrency: *currency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Parse failed")
	}

	printJSON(map[string]interface{}{
		"model":        result.Model,
		"transactions": result.Transactions,
		"usage":        result.Usage,
	})
}

func runReconcile(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	file := fs.String("file", "", "Stored model output: local path or gs:// URI")
	trackerID := fs.String("tracker", "", "Tracker ID (empty for the built-in taxonomy)")
	currency := fs.String("currency", "", "Tracker currency")
	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal().Msg("Usage: cli reconcile -file PATH|gs://URI [-tracker ID]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	services := mustBuild(ctx, cfg, log)
	defer services.Close()

	data, err := readOutput(ctx, services, *file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to read model output")
	}

	pools, err := services.Taxonomy.LoadPools(ctx, *trackerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load taxonomy")
	}

	cur := *currency
	if cur == "" {
		cur = cfg.DefaultCurrency
	}
	transactions, err := pipeline.Reconcile(rawModelText(data), pools, cur, time.Now().UTC())
	if err != nil {
		log.Fatal().Err(err).Msg("Reconciliation failed")
	}

	printJSON(transactions)
}

func readOutput(ctx context.Context, services *app.App, file string) ([]byte, error) {
	if !gcsarchive.IsURI(file) {
		return os.ReadFile(file)
	}

	archive := services.Archive
	if archive == nil {
		bucket, _, err := gcsarchive.ParseURI(file)
		if err != nil {
			return nil, err
		}
		if archive, err = gcsarchive.New(ctx, bucket); err != nil {
			return nil, err
		}
		defer archive.Close()
	}
	return archive.Fetch(ctx, file)
}

// rawModelText unwraps an archived output, or returns data as-is when it is
// a bare model answer.
func rawModelText(data []byte) string {
	var archived pipeline.ArchivedOutput
	if err := json.Unmarshal(data, &archived); err == nil && archived.RawText != "" {
		return archived.RawText
	}
	return string(data)
}

func runUsage(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	userID := fs.String("user", "", "User ID")
	trackerID := fs.String("tracker", "", "Tracker ID (empty for all trackers)")
	from := fs.String("from", "", "First day, YYYY-MM-DD (default today)")
	to := fs.String("to", "", "Last day, YYYY-MM-DD (default today)")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		log.Fatal().Msg("Usage: cli usage -user ID [-tracker ID] [-from DATE] [-to DATE]")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := mustBuild(ctx, cfg, log)
	defer services.Close()

	today := services.Ledger.Today()
	start, err := parseDay(*from, today)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -from date")
	}
	end, err := parseDay(*to, today)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -to date")
	}

	buckets, err := services.Ledger.DailyUsage(ctx, *userID, *trackerID, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to query usage")
	}

	fmt.Printf("%-12s %-24s %8s %8s %8s %10s\n", "DATE", "TRACKER", "TOTAL", "USER", "AI", "TOKENS")
	for _, b := range buckets {
		fmt.Printf("%-12s %-24s %8d %8d %8d %10d\n", b.Date, b.TrackerID, b.TotalMessages, b.UserMessages, b.AIMessages, b.TotalTokens)
	}
}

func parseDay(s string, def civil.Date) (civil.Date, error) {
	if s == "" {
		return def, nil
	}
	return civil.ParseDate(s)
}

func runSeed(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	trackerID := fs.String("tracker", "", "Tracker ID to seed")
	fs.Parse(os.Args[2:])

	if *trackerID == "" {
		log.Fatal().Msg("Usage: cli seed -tracker ID")
	}
	if cfg.DataBackend != config.BackendSQLite {
		log.Fatal().Str("backend", cfg.DataBackend).Msg("seed only supports the sqlite backend")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := mustBuild(ctx, cfg, log)
	defer services.Close()

	n, err := services.SeedTracker(ctx, *trackerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Seeding failed")
	}

	fmt.Printf("Seeded %d categories for tracker %s.\n", n, *trackerID)
}

func runDeactivate(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	trackerID := fs.String("tracker", "", "Tracker ID")
	categoryID := fs.String("category", "", "Category ID to hide")
	fs.Parse(os.Args[2:])

	if *trackerID == "" || *categoryID == "" {
		log.Fatal().Msg("Usage: cli deactivate -tracker ID -category ID")
	}
	if cfg.DataBackend != config.BackendSQLite {
		log.Fatal().Str("backend", cfg.DataBackend).Msg("deactivate only supports the sqlite backend")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := mustBuild(ctx, cfg, log)
	defer services.Close()

	if err := services.DeactivateCategory(ctx, *trackerID, *categoryID); err != nil {
		log.Fatal().Err(err).Msg("Deactivation failed")
	}

	fmt.Printf("Deactivated category %s for tracker %s.\n", *categoryID, *trackerID)
}
