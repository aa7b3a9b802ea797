package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/research"
	"github.com/Kocoro-lab/touch/internal/streaming"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Research a question and print progress and the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().Bool("json", false, "print the full result as JSON instead of streaming progress")
	askCmd.Flags().BoolP("verbose", "v", false, "log pipeline activity to stderr")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "error"
	}
	cfg.Logging.Format = "console"
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	query := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		res := a.pipeline.Run(ctx, query, nil)
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Status == research.StatusError {
			return fmt.Errorf("research failed")
		}
		return nil
	}

	var failed bool
	for ev := range a.coordinator.Stream(ctx, query, a.pipeline.Stream(query, nil)) {
		if ev.Type == streaming.TypeError {
			failed = true
		}
		printEvent(out, ev)
	}
	if ctx.Err() != nil {
		logger.Debug("Interrupted", zap.Error(ctx.Err()))
		return ctx.Err()
	}
	if failed {
		return fmt.Errorf("research failed")
	}
	return nil
}

var (
	stepColor   = color.New(color.FgCyan)
	sourceColor = color.New(color.FgBlue)
	doneColor   = color.New(color.FgGreen, color.Bold)
	errColor    = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.Faint)
)

func printEvent(w io.Writer, ev streaming.Event) {
	switch d := ev.Data.(type) {
	case streaming.StepData:
		stepColor.Fprintf(w, "[%d] %s", d.StepNumber, d.Description)
		if d.SourcesFound > 0 {
			dimColor.Fprintf(w, " (%d results)", d.SourcesFound)
		}
		fmt.Fprintln(w)
	case streaming.SourcesData:
		fmt.Fprintln(w)
		for i, s := range d.Sources {
			sourceColor.Fprintf(w, "  %d. %s\n", i+1, s.Title)
			dimColor.Fprintf(w, "     %s\n", s.URL)
		}
		fmt.Fprintln(w)
	case streaming.ChunkData:
		fmt.Fprint(w, d.Chunk)
	case streaming.CompleteData:
		fmt.Fprintln(w)
		doneColor.Fprintf(w, "Done in %.1fs, confidence %.2f\n", d.ProcessingTime, d.ConfidenceScore)
	case streaming.MessageData:
		switch ev.Type {
		case streaming.TypeError:
			errColor.Fprintln(w, "Error: "+d.Message)
		case streaming.TypeStartSynthesis:
			dimColor.Fprintln(w, d.Message)
		}
	}
}
