package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/kioku/internal"
	"github.com/starford/kioku/internal/offset"
	"github.com/starford/kioku/internal/studylog"
	"github.com/starford/kioku/internal/subtitle"
	pkgconfig "github.com/starford/kioku/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

// parse prints a subtitle file as JSON cues, or as normalized SRT with an
// optional offset baked in.
func parse(_ context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("usage: kioku parse [--srt] [--offset-ms N] <file>")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	cues, err := subtitle.Parse(string(raw), filepath.Base(path))
	if err != nil {
		return err
	}
	engine := offset.New(cues)
	if delta := cmd.Int("offset-ms"); delta != 0 {
		cues = engine.Adjust(int(delta))
	}

	if cmd.Bool("srt") {
		_, err = os.Stdout.Write(subtitle.WriteSRT(cues))
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cues)
}

func report(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := studylog.Open(cfg.SQLite.Path, cfg.Study.UserID)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.List(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %8.1fs\n", e.Start.Local().Format(time.DateTime), e.End.Local().Format(time.TimeOnly), e.Seconds)
	}

	since := time.Now().Add(-cmd.Duration("since"))
	total, err := db.Total(ctx, since)
	if err != nil {
		return err
	}
	fmt.Printf("total since %s: %s\n", since.Local().Format(time.DateTime), total.Round(time.Second))
	return nil
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:   "kioku",
		Usage:  "Subtitle sentence mining: timing correction, card capture to Anki and study-time logging",
		Action: serve,
		Flags:  []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP/SSE service",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the MCP tools over stdio",
				Action: serveMCP,
			},
			{
				Name:      "parse",
				Usage:     "Parse a subtitle file and print its cues",
				ArgsUsage: "<file>",
				Action:    parse,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "srt", Usage: "Print normalized SRT instead of JSON"},
					&cli.IntFlag{Name: "offset-ms", Usage: "Shift every cue by this many milliseconds"},
				},
			},
			{
				Name:   "studylog",
				Usage:  "Print logged study intervals",
				Action: report,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of intervals to print"},
					&cli.DurationFlag{Name: "since", Value: 24 * time.Hour, Usage: "Window for the total"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
