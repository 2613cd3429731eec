package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/overtone-labs/overtone/internal/config"
	"github.com/overtone-labs/overtone/internal/pipeline"
	"github.com/overtone-labs/overtone/internal/runstore"
	"github.com/overtone-labs/overtone/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		input       string
		outputDir   string
		bookID      string
		force       bool
		cleanup     bool
		listVoices  bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when omitted)")
	flag.StringVar(&input, "input", "", "Chapter text file or directory of *.txt chapter files")
	flag.StringVar(&outputDir, "out", "", "Output directory (overrides config)")
	flag.StringVar(&bookID, "book", "", "Book identifier used in output file names")
	flag.BoolVar(&force, "force", false, "Skip confirmations and keep going past failing chunks")
	flag.BoolVar(&cleanup, "cleanup", false, "Remove per-chunk audio files after assembly")
	flag.BoolVar(&listVoices, "voices", false, "List the configured engine's voices and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// credentials usually live in a .env next to the config
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(logger, "failed to load config", err)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if force {
		cfg.Pipeline.Force = true
	}
	if cleanup {
		cfg.Pipeline.Cleanup = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	synth, err := tts.FromConfig(cfg.TTS)
	if err != nil {
		fatal(logger, "failed to build synthesizer", err)
	}

	if listVoices {
		voices, err := synth.Voices(ctx)
		if err != nil {
			fatal(logger, "failed to list voices", err)
		}
		for _, v := range voices {
			fmt.Printf("%-12s %-8s %s\n", v.Locale, v.Gender, v.Name)
		}
		return
	}

	if input == "" {
		fatal(logger, "missing flag", fmt.Errorf("-input is required"))
	}
	paths, err := chapterPaths(input)
	if err != nil {
		fatal(logger, "failed to resolve input", err)
	}
	chapters, err := pipeline.LoadChapterFiles(paths)
	if err != nil {
		fatal(logger, "failed to load chapters", err)
	}
	if bookID == "" {
		bookID = strings.TrimSuffix(filepath.Base(strings.TrimRight(input, "/")), filepath.Ext(input))
	}

	if nonEmptyDir(cfg.OutputDir) {
		confirmOrExit(cfg, fmt.Sprintf("Output directory %s is not empty and files may be overwritten. Continue?", cfg.OutputDir))
	}
	if !strings.HasPrefix(cfg.TTS.Voice, cfg.TTS.Lang) {
		confirmOrExit(cfg, fmt.Sprintf("Voice %s does not match language %s. Continue?", cfg.TTS.Voice, cfg.TTS.Lang))
	}

	if k, ok := synth.(interface{ EnsureModel(context.Context) error }); ok {
		if err := k.EnsureModel(ctx); err != nil {
			fatal(logger, "failed to prepare model", err)
		}
	}

	store, err := runstore.Open(ctx, cfg.RunStore, logger)
	if err != nil {
		fatal(logger, "failed to open run ledger", err)
	}
	defer store.Close()

	started := time.Now()
	p := pipeline.New(cfg, synth, store, nil, logger)
	result, err := p.Run(ctx, bookID, chapters)
	if err != nil {
		fatal(logger, "narration failed", err)
	}

	var total time.Duration
	for _, ch := range result.Chapters {
		total += ch.Duration
	}
	fmt.Printf("Run %s %s: %d chapters, %s of audio, %d degraded sentences (took %s)\n",
		result.RunID, result.Status, len(result.Chapters),
		formatSeconds(total), result.Degraded, formatSeconds(time.Since(started)))
	for _, ch := range result.Chapters {
		if ch.AudioPath == "" {
			continue
		}
		fmt.Printf("  [%d] %s  %s  (%s)\n", ch.Index+1, ch.AudioPath, ch.SMILPath, formatSeconds(ch.Duration))
	}
	if result.Status == runstore.StatusPartial {
		os.Exit(2)
	}
}

func chapterPaths(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return pipeline.ScanChapterDir(input)
	}
	return []string{input}, nil
}

func nonEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// confirmOrExit prompts before a risky run. Force mode proceeds without
// asking.
func confirmOrExit(cfg config.Config, msg string) {
	if cfg.Pipeline.Force {
		fmt.Printf("%s Proceeding without prompt.\n", msg)
		return
	}
	fmt.Printf("%s [y/n]: ", msg)
	ans, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.ToLower(strings.TrimSpace(ans)) != "y" {
		fmt.Println("Aborted.")
		os.Exit(1)
	}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	h := secs / 3600
	m := secs % 3600 / 60
	s := secs % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 || h > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	parts = append(parts, fmt.Sprintf("%ds", s))
	return strings.Join(parts, " ")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
