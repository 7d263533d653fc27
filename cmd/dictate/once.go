package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Record, transcribe and deliver a single dictation",
	Long: `once runs one session through the pipeline. Recording stops when Enter is
pressed, when --max-duration elapses, or at the end of the utterance when
audio.auto_stop is set. Ctrl-C cancels the session without delivering.`,
	Args: cobra.NoArgs,
	RunE: runOnce,
}

var (
	onceDevice      string
	onceSink        string
	onceMode        string
	onceEnhance     bool
	onceNoEnhance   bool
	onceMaxDuration time.Duration
	onceAutoStop    bool
)

func init() {
	onceCmd.Flags().StringVarP(&onceDevice, "device", "d", "", "capture device (a WAV path with the wav opener)")
	onceCmd.Flags().StringVarP(&onceSink, "sink", "s", "", "output sink: stdout, clipboard, exec, bus")
	onceCmd.Flags().StringVarP(&onceMode, "mode", "m", "", "transcription mode: batch, streaming")
	onceCmd.Flags().BoolVar(&onceEnhance, "enhance", false, "force enhancement on")
	onceCmd.Flags().BoolVar(&onceNoEnhance, "no-enhance", false, "force enhancement off")
	onceCmd.Flags().DurationVar(&onceMaxDuration, "max-duration", 2*time.Minute, "stop recording after this long")
	onceCmd.Flags().BoolVar(&onceAutoStop, "auto-stop", false, "stop at the first end of utterance")
	onceCmd.MarkFlagsMutuallyExclusive("enhance", "no-enhance")
	rootCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if onceDevice != "" {
		cfg.Audio.Device = onceDevice
	}
	if onceSink != "" {
		cfg.Output.Sink = onceSink
	}
	if onceMode != "" {
		cfg.Transcription.Mode = onceMode
	}
	switch {
	case onceEnhance:
		cfg.Enhancement.Enabled = true
	case onceNoEnhance:
		cfg.Enhancement.Enabled = false
	}
	if onceAutoStop {
		cfg.Audio.AutoStop = true
	}
	// A single run only needs the bus to hand text to a UI shell.
	cfg.Bus.Enabled = cfg.Output.Sink == "bus"

	logger := slog.Default()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	waiter := pipeline.NewOutcomeWaiter()
	app, err := runtime.Assemble(ctx, cfg, logger, waiter)
	if err != nil {
		return err
	}
	defer app.Close()

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- app.Controller.Run(runCtx) }()
	defer func() {
		stopRun()
		<-runDone
	}()

	sessionID, err := app.Controller.Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if !quiet {
		fmt.Fprintln(cmd.ErrOrStderr(), "recording, press Enter to stop or Ctrl-C to cancel")
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	enter := make(chan struct{}, 1)
	go func() {
		if _, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n'); err == nil {
			enter <- struct{}{}
		}
	}()

	limit := time.NewTimer(onceMaxDuration)
	defer limit.Stop()

	for {
		select {
		case o := <-waiter.Outcomes():
			return report(cmd, o)
		case <-enter:
			if err := app.Controller.Stop(ctx); err != nil {
				return err
			}
		case <-limit.C:
			logger.Info("maximum recording duration reached", slog.String("session", sessionID))
			if err := app.Controller.Stop(ctx); err != nil {
				return err
			}
		case <-interrupts:
			if err := app.Controller.Cancel(ctx); err != nil {
				return err
			}
		}
	}
}

func report(cmd *cobra.Command, o pipeline.Outcome) error {
	if !quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s %s (%s) in %s\n",
			o.SessionID, o.Status, o.Reason, o.Duration.Round(time.Millisecond))
	}
	switch o.Status {
	case pipeline.StatusDelivered:
		return nil
	case pipeline.StatusCancelled:
		return failure.ErrCancelled
	default:
		if o.Err != nil {
			return o.Err
		}
		return fmt.Errorf("session failed: %s", o.Reason)
	}
}
