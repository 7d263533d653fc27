package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/diagnostics"
	"github.com/loqalabs/loqa-dictate/internal/enhance"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/prompt"
	"github.com/loqalabs/loqa-dictate/internal/secrets"
	"github.com/loqalabs/loqa-dictate/internal/signals"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

// App is a fully wired dictation pipeline and the resources it owns.
type App struct {
	Config     config.Config
	Controller *pipeline.Controller
	Store      *eventstore.Store
	Bus        *bus.Client

	embedded *natsserver.EmbeddedServer
	logger   *slog.Logger
}

// Assemble builds every collaborator named by cfg and returns an App whose
// controller is ready to Run. extra reporters receive session progress
// alongside diagnostics.
func Assemble(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...pipeline.Reporter) (_ *App, err error) {
	app := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	app.Store = store

	if cfg.Bus.Enabled {
		if err := app.connectBus(ctx); err != nil {
			return nil, err
		}
	}

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	secretStore := secrets.New(cfg.Secrets)

	audioOpts := audio.OptionsFromConfig(cfg.Audio)
	if opts.Mode == pipeline.ModeStreaming {
		audioOpts.FrameSegments = true
	}
	source := audio.NewSource(audio.NewOpener(cfg.Audio, logger), audioOpts, logger)

	deps := pipeline.Deps{Audio: pipeline.FromAudio(source)}
	if opts.Mode == pipeline.ModeBatch || opts.StreamFallback == pipeline.FallbackBatch {
		batch, err := transcribe.NewBatch(ctx, cfg.Transcription, secretStore, logger)
		if err != nil {
			return nil, err
		}
		deps.Batch = batch
	}
	if opts.Mode == pipeline.ModeStreaming {
		streaming, err := transcribe.NewStreaming(ctx, cfg.Transcription, secretStore, logger)
		if err != nil {
			return nil, err
		}
		deps.Streaming = streaming
	}

	if cfg.Enhancement.Enabled {
		tmpl, err := prompt.TemplateFromConfig(cfg.Enhancement.Tags)
		if err != nil {
			return nil, err
		}
		secret, err := secrets.Optional(ctx, secretStore, cfg.Enhancement.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("resolve enhancement credential: %w", err)
		}
		gen, err := llm.NewGenerator(cfg.Enhancement, secret, logger)
		if err != nil {
			return nil, err
		}
		enhOpts, err := enhance.OptionsFromConfig(cfg.Enhancement, tmpl)
		if err != nil {
			return nil, err
		}
		collector, err := newCollector(cfg.Context, store, logger)
		if err != nil {
			return nil, err
		}
		deps.Template = tmpl
		deps.Enhancer = enhance.New(gen, enhOpts, logger)
		deps.Collector = collector
	}

	var pub output.Publisher
	if app.Bus != nil {
		pub = app.Bus
	}
	sink, err := output.New(cfg.Output, pub)
	if err != nil {
		return nil, err
	}
	deps.Sink = sink

	recorder, err := diagnostics.NewRecorder(logger, store, diagnostics.Options{Mode: string(opts.Mode)})
	if err != nil {
		return nil, err
	}
	reporters := pipeline.Reporters{recorder}
	if app.Bus != nil {
		reporters = append(reporters, control.NewPublisher(app.Bus, cfg.Bus, logger))
	}
	reporters = append(reporters, extra...)
	deps.Reporter = reporters

	controller, err := pipeline.New(deps, opts, logger)
	if err != nil {
		return nil, err
	}
	app.Controller = controller
	logger.Info("pipeline assembled",
		slog.String("mode", string(opts.Mode)),
		slog.String("sink", sink.Name()),
		slog.Bool("enhancement", deps.Enhancer != nil))
	return app, nil
}

func (a *App) connectBus(ctx context.Context) error {
	busCfg := a.Config.Bus
	srv, err := natsserver.Start(busCfg, a.logger)
	if err != nil {
		return err
	}
	a.embedded = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, a.Config.RuntimeName, busCfg, a.logger)
	if err != nil {
		return err
	}
	a.Bus = client
	return nil
}

func newCollector(cfg config.ContextConfig, store *eventstore.Store, logger *slog.Logger) (*signals.Collector, error) {
	var sources []signals.Source
	if cfg.UseClipboard {
		sources = append(sources, signals.ClipboardSource{})
	}
	if cfg.UseScreenCapture && cfg.ScreenCommand != "" {
		src, err := signals.NewCommandSource(signals.Screen, cfg.ScreenCommand)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.UseSelectedText && cfg.SelectionCommand != "" {
		src, err := signals.NewCommandSource(signals.SelectedText, cfg.SelectionCommand)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.UseVocabulary {
		sources = append(sources, signals.VocabularySource{Terms: store})
	}
	return signals.NewCollector(time.Duration(cfg.TimeoutMS)*time.Millisecond, cfg.MaxChars, logger, sources...), nil
}

// Close releases the bus connection, the embedded server and the store.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	a.embedded.Shutdown()
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Warn("event store close failed", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
