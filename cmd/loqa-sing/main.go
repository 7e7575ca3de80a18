package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sing/internal/config"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/export"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
	"github.com/loqalabs/loqa-sing/internal/renderer"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		projectPath  string
		outDir       string
		writePhrases bool
		playhead     int64
		verbose      bool
	)
	renderCmd := flag.NewFlagSet("render", flag.ExitOnError)
	renderCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	renderCmd.StringVar(&projectPath, "project", "song.yaml", "Path to project (.yaml, .json, .mid)")
	renderCmd.StringVar(&outDir, "out", "", "Output directory (defaults to service.output_dir)")
	renderCmd.BoolVar(&writePhrases, "phrases", false, "Also write one WAV per phrase")
	renderCmd.Int64Var(&playhead, "playhead", 0, "Render phrases near this tick first")
	renderCmd.BoolVar(&verbose, "v", false, "Verbose logging")

	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	validateCmd.StringVar(&projectPath, "project", "song.yaml", "Path to project (.yaml, .json, .mid)")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'render', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "render":
		renderCmd.Parse(os.Args[2:])
		if err := runRender(configPath, projectPath, outDir, writePhrases, playhead, verbose); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(configPath, projectPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func loadProject(cfg config.Config, path string) (*project.Snapshot, error) {
	proj, err := project.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := proj.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}
	return proj.Snapshot(engine.FrameRates(cfg.Engine), cfg.Rendering.EditorFrameRate), nil
}

func runValidate(configPath, projectPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	snap, err := loadProject(cfg, projectPath)
	if err != nil {
		return err
	}
	phrases, err := phrase.Generate(snap, cfg.Rendering.FirstRestMinDurationSeconds)
	if err != nil {
		return err
	}
	fmt.Printf("project valid: %d tracks, %d phrases\n", len(snap.Tracks), len(phrases))
	return nil
}

func runRender(configPath, projectPath, outDir string, writePhrases bool, playhead int64, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	snap, err := loadProject(cfg, projectPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, closeEngine, err := engine.Open(ctx, cfg.Engine, logger)
	if err != nil {
		return err
	}
	defer closeEngine(context.Background())

	r := renderer.New(renderer.Options{
		Config:           renderer.ConfigFrom(cfg.Rendering),
		API:              api,
		PlayheadPosition: func() int64 { return playhead },
		Logger:           logger,
	})
	progress := &progressPrinter{}
	if err := r.AddEventListener(renderer.HandlerListener(progress)); err != nil {
		return err
	}

	// The first signal stops after the current phrase so partial output is kept.
	go func() {
		<-ctx.Done()
		_ = r.RequestRenderingInterruption()
	}()

	result, err := r.Render(context.Background(), snap)
	if err != nil {
		return err
	}
	fmt.Printf("render %s: %d rendered, %d failed\n", result.Status, progress.done, progress.failed)

	if outDir == "" {
		outDir = cfg.Service.OutputDir
	}
	renderID := uuid.NewString()
	exporter := export.New(outDir, logger)
	paths, err := exporter.Tracks(renderID, snap, result.Phrases)
	if err != nil {
		return err
	}
	if writePhrases {
		phrasePaths, err := exporter.Phrases(renderID, result.Phrases)
		if err != nil {
			return err
		}
		paths = append(paths, phrasePaths...)
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

type progressPrinter struct {
	total  int
	done   int
	failed int
}

func (p *progressPrinter) PhrasesGenerated(e renderer.PhrasesGenerated) {
	p.total = len(e.Phrases)
}

func (p *progressPrinter) CacheLoaded(e renderer.CacheLoaded) {
	cached := 0
	for _, ph := range e.Phrases {
		if ph.Rendered() {
			cached++
		}
	}
	fmt.Printf("%d phrases, %d cached\n", p.total, cached)
}

func (p *progressPrinter) PhraseRenderingStarted(renderer.PhraseRenderingStarted) {}

func (p *progressPrinter) QueryGenerationComplete(renderer.QueryGenerationComplete) {}

func (p *progressPrinter) PitchGenerationComplete(renderer.PitchGenerationComplete) {}

func (p *progressPrinter) VolumeGenerationComplete(renderer.VolumeGenerationComplete) {}

func (p *progressPrinter) VoiceSynthesisComplete(renderer.VoiceSynthesisComplete) {}

func (p *progressPrinter) PhraseRenderingComplete(e renderer.PhraseRenderingComplete) {
	p.done++
	fmt.Printf("[%d/%d] %s at %.2fs\n", p.done+p.failed, p.total, shortKey(e.PhraseKey), e.Phrase.StartTime)
}

func (p *progressPrinter) PhraseRenderingError(e renderer.PhraseRenderingError) {
	p.failed++
	fmt.Printf("[%d/%d] %s failed: %v\n", p.done+p.failed, p.total, shortKey(e.PhraseKey), e.Err)
}

func shortKey(key phrase.Key) string {
	if len(key) > 12 {
		return string(key[:12])
	}
	return string(key)
}
