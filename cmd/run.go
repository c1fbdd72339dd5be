package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/panelforge/panelforge/internal/ai"
	"github.com/panelforge/panelforge/internal/ai/gemini"
	"github.com/panelforge/panelforge/internal/interview"
	"github.com/panelforge/panelforge/internal/logger"
	"github.com/panelforge/panelforge/internal/panel"
	"github.com/panelforge/panelforge/internal/secrets"
	"github.com/panelforge/panelforge/internal/session"
	"github.com/panelforge/panelforge/internal/store"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"

	// stopCommand ends the interview early when entered as an answer.
	stopCommand = "/stop"

	defaultStorePath = "panelforge.db"
	defaultMaxTurns  = 6

	maxQuestionAttempts = 3
)

var startPrompt = promptui.Select{
	Label: "Start the interview with this panel?",
	Items: []string{PromptYes, PromptNo},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated panel interview",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("session", "s", "", "resume a previously saved session by its id")
	runCmd.Flags().String("jd-file", "", "file with the job description text")
	runCmd.Flags().String("resume-notes-file", "", "file with the candidate's resume notes")
	runCmd.Flags().IntP("max-turns", "t", 0, "maximum number of interview turns")

	viper.BindPFlag("jd-file", runCmd.Flags().Lookup("jd-file"))
	viper.BindPFlag("resume-notes-file", runCmd.Flags().Lookup("resume-notes-file"))
	viper.BindPFlag("interview.max-turns", runCmd.Flags().Lookup("max-turns"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the panelforge", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if config == nil {
		logger.Fatal("config is required")
	}

	coordinator, closeStore := buildCoordinator(ctx, config, logger)
	defer closeStore()

	sessionID := cmd.Flag("session").Value.String()
	if sessionID != "" {
		if err := coordinator.ResumeSession(ctx, sessionID); err != nil {
			logger.Fatal("resuming session", zap.String("session_id", sessionID), zap.Error(err))
		}

		logger.Info("resumed session", zap.String("session_id", sessionID))
	} else {
		sessionID = startNewSession(ctx, coordinator, logger)
		if sessionID == "" {
			return
		}
	}

	conduct(ctx, coordinator, sessionID, logger)
}

// buildCoordinator wires the text generator, the sqlite store and the panel
// resolver into a session coordinator.
func buildCoordinator(ctx context.Context, config *Config, zlog *zap.Logger) (*session.Coordinator, func()) {
	gen, err := newGenerator(ctx, config.AI, zlog)
	if err != nil {
		zlog.Fatal("building text generator", zap.Error(err))
	}

	storePath := defaultStorePath
	if config.Store != nil && config.Store.Path != "" {
		storePath = config.Store.Path
	}

	st, err := store.Open(storePath, zlog)
	if err != nil {
		zlog.Fatal("opening session store", zap.String("path", storePath), zap.Error(err))
	}

	threshold := panel.DefaultSimilarityThreshold
	if config.Interview != nil && config.Interview.SimilarityThreshold > 0 {
		threshold = config.Interview.SimilarityThreshold
	}

	resolver := panel.NewResolver(gen, st, threshold, zlog)

	closeStore := func() {
		if err := st.Close(); err != nil {
			zlog.Warn("closing session store", zap.Error(err))
		}
	}

	return session.New(st, gen, resolver, zlog), closeStore
}

func newGenerator(ctx context.Context, cfg *AIConfig, zlog *zap.Logger) (ai.Generator, error) {
	if cfg == nil || cfg.Gemini == nil {
		return nil, errors.New("gemini configuration is required under ai.gemini")
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		Value: cfg.Gemini.APIKey,
		File:  cfg.Gemini.APIKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set GEMINI_API_KEY, GEMINI_API_KEY_FILE or the 'ai.gemini' keys in the configuration file)", err)
	}

	return gemini.New(ctx, gemini.Config{
		APIKey:     apiKey,
		Model:      cfg.Gemini.Model,
		EmbedModel: cfg.Gemini.EmbeddingModel,
		MaxRetries: cfg.Gemini.MaxRetries,
	}, logger.WithCommonFields(zlog, "gemini", cfg.Gemini.Model))
}

// startNewSession resolves a panel for the job description and starts a
// session with it. It returns an empty session id when the user declines the
// panel.
func startNewSession(ctx context.Context, coordinator *session.Coordinator, logger *zap.Logger) string {
	jdText, err := readRequiredFile(viper.GetString("jd-file"), "job description")
	if err != nil {
		logger.Fatal("reading job description", zap.Error(err))
	}

	resumeNotes := ""
	if notesFile := viper.GetString("resume-notes-file"); notesFile != "" {
		resumeNotes, err = readRequiredFile(notesFile, "resume notes")
		if err != nil {
			logger.Fatal("reading resume notes", zap.Error(err))
		}
	}

	maxTurns := defaultMaxTurns
	if v := viper.GetInt("interview.max-turns"); v > 0 {
		maxTurns = v
	}

	sessionID := coordinator.NewSessionID()

	result, err := coordinator.CreatePanel(ctx, sessionID, jdText)
	if err != nil {
		logger.Fatal("resolving interview panel", zap.Error(err))
	}

	if result.Reused {
		logger.Info("reusing a panel from a similar job description", zap.Float64("similarity", result.Similarity))
	}

	fmt.Println("\nYour interview panel:")
	for i, entry := range result.Panel {
		fmt.Printf("  %d. %s\n", i+1, entry.Name)
	}
	fmt.Println()

	_, action, err := startPrompt.Run()
	if err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}

	if action == PromptNo {
		logger.Info("exiting", zap.String("reason", "got no from prompt"))
		return ""
	}

	if err := coordinator.StartSession(ctx, sessionID, result.Panel, resumeNotes, maxTurns); err != nil {
		if !warnOnPersistence(logger, err) {
			logger.Fatal("starting session", zap.Error(err))
		}
	}

	logger.Info("started session",
		zap.String("session_id", sessionID),
		zap.Int("max_turns", maxTurns),
	)

	return sessionID
}

// conduct drives the question/answer loop until the interview ends, then
// prints the coaching summary.
func conduct(ctx context.Context, coordinator *session.Coordinator, sessionID string, logger *zap.Logger) {
	sink := &consoleSink{out: os.Stdout}

	for {
		agent, done, err := nextQuestion(ctx, coordinator, sessionID, sink, logger)
		if err != nil {
			logger.Fatal("getting the next question", zap.Error(err))
		}

		if done {
			break
		}

		answer := readAnswer(logger)

		if answer == stopCommand {
			if err := coordinator.ForceStop(ctx, sessionID); err != nil && !warnOnPersistence(logger, err) {
				logger.Fatal("stopping session", zap.Error(err))
			}
			continue
		}

		done, err = coordinator.ProcessAnswer(ctx, sessionID, answer)
		if err != nil && !warnOnPersistence(logger, err) {
			var genErr *interview.GenerationError
			if errors.As(err, &genErr) {
				logger.Warn("feedback generation failed, the question will be asked again", zap.Error(err))
				continue
			}

			logger.Fatal("processing answer", zap.Error(err))
		}

		printFeedback(coordinator, sessionID, agent, logger)

		if done {
			break
		}
	}

	summary, err := coordinator.Summarize(ctx, sessionID)
	if err != nil {
		logger.Fatal("generating interview summary", zap.Error(err))
	}

	fmt.Printf("\n--- Interview summary ---\n%s\n", summary)
	logger.Info("interview finished", zap.String("session_id", sessionID))
}

// nextQuestion streams the next question to the console, retrying transient
// generation failures a few times.
func nextQuestion(ctx context.Context, coordinator *session.Coordinator, sessionID string, sink *consoleSink, logger *zap.Logger) (string, bool, error) {
	var lastErr error

	for attempt := 1; attempt <= maxQuestionAttempts; attempt++ {
		_, agent, done, err := coordinator.StreamNextQuestion(ctx, sessionID, sink)
		if err == nil || warnOnPersistence(logger, err) {
			return agent, done, nil
		}

		var genErr *interview.GenerationError
		if !errors.As(err, &genErr) {
			return "", false, err
		}

		lastErr = err
		logger.Warn("question generation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return "", false, lastErr
}

func readAnswer(logger *zap.Logger) string {
	answerPrompt := promptui.Prompt{
		Label: fmt.Sprintf("Your answer (%s to finish early)", stopCommand),
		Validate: func(input string) error {
			if strings.TrimSpace(input) == "" {
				return errors.New("answer must not be empty")
			}
			return nil
		},
	}

	answer, err := answerPrompt.Run()
	if err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}

	return strings.TrimSpace(answer)
}

func printFeedback(coordinator *session.Coordinator, sessionID, agent string, logger *zap.Logger) {
	state, err := coordinator.State(sessionID)
	if err != nil {
		logger.Warn("reading session state", zap.Error(err))
		return
	}

	if state.LastFeedback == "" {
		return
	}

	fmt.Printf("\nFeedback from %s:\n%s\n\n", agent, state.LastFeedback)
}

// warnOnPersistence reports whether err is a persistence failure. Such
// failures are logged and tolerated: the session keeps running in memory and
// the next successful operation writes the full state again.
func warnOnPersistence(logger *zap.Logger, err error) bool {
	var perr *session.PersistenceError
	if !errors.As(err, &perr) {
		return false
	}

	logger.Warn("saving session state failed, continuing in memory", zap.Error(perr))
	return true
}

func readRequiredFile(path, name string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s file is not configured", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s from %q: %w", name, path, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%s file %q is empty", name, path)
	}

	return text, nil
}

// consoleSink prints streamed question fragments as they arrive.
type consoleSink struct {
	out *os.File
}

func (s *consoleSink) Start(agent string) {
	fmt.Fprintf(s.out, "\n%s asks: ", agent)
}

func (s *consoleSink) Chunk(text string) {
	fmt.Fprint(s.out, text)
}

func (s *consoleSink) End(string) {
	fmt.Fprintln(s.out)
}
