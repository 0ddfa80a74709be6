package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lumora-app/fanstudio/internal/api"
	"github.com/lumora-app/fanstudio/internal/config"
	"github.com/lumora-app/fanstudio/internal/input"
	"github.com/lumora-app/fanstudio/internal/metrics"
	"github.com/lumora-app/fanstudio/internal/output"
	"github.com/lumora-app/fanstudio/internal/persist"
	"github.com/lumora-app/fanstudio/internal/quota"
	"github.com/lumora-app/fanstudio/internal/session"
	"github.com/lumora-app/fanstudio/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool

	// selfie flags
	assumeYes     bool
	cleanDownload bool

	// story flags
	genre         string
	mood          string
	length        string
	characterName string
	traits        []string
	extra         string
	publish       bool
	public        bool
	title         string
	tags          []string
	noSave        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fanstudio",
		Short: "FanStudio - AI content generation for the Lumora platform",
		Long: `FanStudio drives the Lumora AI generation backend from the terminal:
upload a photo for an AI selfie, or generate an illustrated story from
a structured prompt, then save it to your gallery.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	selfieCmd := &cobra.Command{
		Use:   "selfie <photo>",
		Short: "Generate an AI selfie from a photo",
		Long: `Generate an AI selfie:
1. Validate and stage the photo locally for preview
2. Confirm, then upload and wait for the generated image
3. Optionally download the clean (unwatermarked) version`,
		Args: cobra.ExactArgs(1),
		RunE: runSelfie,
	}
	selfieCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the preview confirmation prompt")
	selfieCmd.Flags().BoolVar(&cleanDownload, "clean-download", false, "Download the clean version into the session directory")

	storyCmd := &cobra.Command{
		Use:   "story",
		Short: "Generate an illustrated story from a structured prompt",
		Long: `Generate an illustrated story from a structured prompt and save it
to your gallery as a draft, or publish it directly with --publish.`,
		RunE: runStory,
	}
	storyCmd.Flags().StringVar(&genre, "genre", "", "Story genre (required)")
	storyCmd.Flags().StringVar(&mood, "mood", "", "Story mood")
	storyCmd.Flags().StringVar(&length, "length", "short", "Story length: short, medium, long")
	storyCmd.Flags().StringVar(&characterName, "character", "", "Main character name (required)")
	storyCmd.Flags().StringSliceVar(&traits, "traits", nil, "Character traits")
	storyCmd.Flags().StringVar(&extra, "extra", "", "Free-form extra instructions")
	storyCmd.Flags().BoolVar(&publish, "publish", false, "Publish instead of saving as draft")
	storyCmd.Flags().BoolVar(&public, "public", false, "Make the saved story publicly visible")
	storyCmd.Flags().StringVar(&title, "title", "", "Title for the saved story")
	storyCmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags for the saved story")
	storyCmd.Flags().BoolVar(&noSave, "no-save", false, "Generate only, do not save to the gallery")

	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the remaining generation allowance",
		RunE:  runQuota,
	}

	rootCmd.AddCommand(selfieCmd)
	rootCmd.AddCommand(storyCmd)
	rootCmd.AddCommand(quotaCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs after setup
type app struct {
	cfg       *config.Config
	client    *api.Client
	gate      *quota.Gate
	session   *session.Session
	workspace *output.Workspace
	logger    *slog.Logger
	logFile   *os.File
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}

func setup() (*app, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	workspace, err := output.NewWorkspace(cfg.Output.Dir, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := output.SetupLogger(workspace, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	logger.Info("FanStudio starting",
		"version", Version,
		"config", configPath,
		"session_dir", workspace.Dir())

	if _, err := os.Stat(configPath); err == nil {
		if err := workspace.BackupConfig(configPath); err != nil {
			logger.Warn("Failed to backup config", "error", err)
		}
	}

	collector := metrics.NewCollector(logger)
	if cfg.Metrics.Enabled {
		go collector.Serve(cfg.Metrics.ListenAddr)
	}

	client := api.NewClient(cfg.Backend, secrets.APIToken, logger)
	gate := quota.NewGate(client, cfg.Limits.SubmitsPerMinute, cfg.Limits.SubmitBurst, logger)
	preparer := input.NewPreparer(cfg.Limits, logger)
	persister := persist.NewPersister(client, logger)
	sess := session.New(cfg, gate, preparer, client, persister, persist.Normalize, collector, logger)

	return &app{
		cfg:       cfg,
		client:    client,
		gate:      gate,
		session:   sess,
		workspace: workspace,
		logger:    logger,
		logFile:   logFile,
	}, nil
}

func runSelfie(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prime the advisory gate so an exhausted quota refuses before any
	// upload; a failed fetch keeps it open.
	a.gate.Refresh(ctx)

	if err := a.session.StartSelfie(args[0]); err != nil {
		return err
	}

	job := a.session.Snapshot()
	fmt.Printf("Photo staged for preview (%s)\n", args[0])
	if !assumeYes {
		if !confirm("Generate AI selfie? This spends one generation from your quota") {
			a.session.Reset()
			fmt.Println("Cancelled, nothing was spent.")
			return nil
		}
	}

	renderer := newRenderer(job.Kind)
	a.session.SetListener(renderer.onEvent)

	if err := a.session.ConfirmAndGenerate(ctx); err != nil {
		return err
	}
	renderer.finish()

	job = a.session.Snapshot()
	if job.State != models.StateSuccess {
		return reportJobError(job)
	}

	fmt.Println("\nYour AI selfie is ready!")
	fmt.Printf("  Image:   %s\n", job.Result.Image.Path)
	if job.Result.Image.PreviewURL != job.Result.Image.Path {
		fmt.Printf("  Preview: %s\n", job.Result.Image.PreviewURL)
	}
	if job.Result.Watermarked {
		fmt.Println("  The hosted version carries a watermark.")
	}

	if cleanDownload {
		if err := downloadClean(ctx, a, job.Result.ResultID); err != nil {
			return err
		}
	}
	return nil
}

func runStory(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.gate.Refresh(ctx)

	prompt := models.StoryPrompt{
		Genre:         genre,
		Mood:          mood,
		Length:        models.StoryLength(length),
		CharacterName: characterName,
		Traits:        traits,
		Extra:         extra,
	}
	if err := a.session.StartStory(prompt); err != nil {
		return err
	}

	renderer := newRenderer(models.KindStory)
	a.session.SetListener(renderer.onEvent)

	if err := a.session.ConfirmAndGenerate(ctx); err != nil {
		return err
	}
	renderer.finish()

	job := a.session.Snapshot()
	if job.State != models.StateSuccess {
		return reportJobError(job)
	}

	fmt.Println("\nYour story is ready!")
	fmt.Println()
	fmt.Println(job.Result.StoryText)
	for _, scene := range job.Result.Scenes {
		fmt.Printf("  Scene %d: %s (%s)\n", scene.Index, scene.Caption, scene.Image.Path)
	}

	if noSave {
		return nil
	}

	meta := models.ArtifactMeta{
		Title:    title,
		Tags:     tags,
		IsPublic: public,
		Status:   models.StatusDraft,
	}
	if publish {
		meta.Status = models.StatusPublished
	}

	artifact, err := a.session.Persist(ctx, meta)
	if err != nil {
		return err
	}
	if artifact == nil {
		// Save failed; the result is retained so a retry can succeed
		// without regenerating.
		fmt.Println("\nSaving failed, retrying once...")
		artifact, err = a.session.Persist(ctx, meta)
		if err != nil {
			return err
		}
		if artifact == nil {
			return reportJobError(a.session.Snapshot())
		}
	}

	fmt.Printf("\nSaved to your gallery as %s (id: %s)\n", artifact.Status, artifact.ID)
	return nil
}

func runQuota(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := a.client.Quota(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch quota: %w", err)
	}

	fmt.Printf("Generations remaining: %d\n", state.Remaining)
	if !state.WindowResetAt.IsZero() {
		fmt.Printf("Window resets at:      %s\n", state.WindowResetAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func downloadClean(ctx context.Context, a *app, resultID string) error {
	if resultID == "" {
		return fmt.Errorf("result has no id, cannot request the clean version")
	}

	fmt.Println("Downloading clean version...")
	body, err := a.client.CleanDownload(ctx, resultID)
	if err != nil {
		return fmt.Errorf("clean download failed: %w", err)
	}
	defer func() {
		if err := body.Close(); err != nil {
			a.logger.Warn("Failed to close download body", "error", err)
		}
	}()

	path, err := a.workspace.SaveDownload(resultID+".png", body)
	if err != nil {
		return err
	}
	fmt.Printf("Saved clean version to %s\n", path)
	return nil
}

// reportJobError turns the job's classified error into a user-facing
// message with the right recovery hint
func reportJobError(job models.Job) error {
	if job.Err == nil {
		return fmt.Errorf("generation ended in state %s", job.State)
	}

	switch job.Err.Recovery() {
	case models.RecoveryWait:
		if !job.Err.ResetsAt.IsZero() {
			return fmt.Errorf("%s (more generations at %s)",
				job.Err.Message, job.Err.ResetsAt.Format("15:04"))
		}
		return fmt.Errorf("%s (try again later)", job.Err.Message)
	case models.RecoveryRetrySave:
		return fmt.Errorf("%s (your result is kept, run the save again)", job.Err.Message)
	default:
		return fmt.Errorf("%s (start over to try again)", job.Err.Message)
	}
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if err := os.Setenv(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return nil
}
