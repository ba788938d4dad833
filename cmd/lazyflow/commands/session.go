package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zclconf/go-cty/cty"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lazyflow/lazyflow/pkg/components"
	"github.com/lazyflow/lazyflow/pkg/config"
	"github.com/lazyflow/lazyflow/pkg/engine"
	"github.com/lazyflow/lazyflow/pkg/plugins"
	"github.com/lazyflow/lazyflow/pkg/stores"
	"github.com/lazyflow/lazyflow/pkg/telemetry"
)

// sessionOptions select the optional services of a session.
type sessionOptions struct {
	journal     string
	events      bool
	metricsAddr string
}

// session is a loaded model together with its telemetry and journal.
type session struct {
	ctx        context.Context
	path       string
	loader     *config.Loader
	cfg        *config.ModelConfig
	model      *engine.Model
	tel        *telemetry.Telemetry
	journal    *stores.SQLiteStore
	engineOpts []engine.ExecutorOption
}

// newLoader returns a model loader that knows the built-in kinds and every
// installed component plugin.
func newLoader() (*config.Loader, error) {
	kinds := components.NewRegistry()
	names, err := plugins.RegisterInstalled(pluginsDir, kinds)
	if err != nil {
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}
	if len(names) > 0 {
		log.Debug().Strs("plugins", names).Msg("Registered plugin kinds")
	}
	return config.NewLoader(kinds), nil
}

func openSession(ctx context.Context, path string, opts sessionOptions) (*session, error) {
	loader, err := newLoader()
	if err != nil {
		return nil, err
	}
	cfg, err := loader.LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry
	if telCfg == nil {
		telCfg = telemetry.DefaultConfig()
	}
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	if opts.events || opts.journal != "" {
		telCfg.Events.Enabled = true
	}
	if opts.metricsAddr != "" {
		telCfg.Metrics.Enabled = true
		telCfg.Metrics.ListenAddress = opts.metricsAddr
	}

	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	s := &session{
		ctx:        ctx,
		path:       path,
		loader:     loader,
		cfg:        cfg,
		tel:        tel,
		engineOpts: tel.EngineOptions(),
	}

	if opts.journal != "" {
		journal, err := openJournal(ctx, opts.journal)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.journal = journal
		s.engineOpts = append(s.engineOpts, engine.WithRecorder(journal))
		tel.Events.Subscribe(func(e telemetry.Event) {
			if err := journal.AppendEvent(ctx, &e); err != nil {
				log.Warn().Err(err).Str("event", e.Type).Msg("Failed to journal event")
			}
		}, nil)
	}
	if opts.events {
		tel.Events.Subscribe(printEvent, nil)
	}
	if opts.metricsAddr != "" {
		if err := tel.StartMetricsServer(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	op := telemetry.StartOperation(ctx, "model.build", attribute.String("model.file", path))
	s.model, err = loader.Build(op.Ctx, cfg, s.engineOpts...)
	op.End(err)
	if err != nil {
		s.Close()
		return nil, err
	}
	op.Logger.Debugf("Model %s built in %s", cfg.Name, op.Timer.Duration())
	return s, nil
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	journal, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := journal.Init(ctx); err != nil {
		return nil, err
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return journal, nil
}

// runModel runs the workflow of m once, journaling it when a journal is open.
func (s *session) runModel(m *engine.Model) ([]*engine.PassResult, error) {
	ctx := telemetry.WithModelRunContext(s.ctx, m.Name(), len(m.Components()))

	var run *stores.Run
	if s.journal != nil {
		var err error
		if run, err = s.journal.StartRun(ctx, m.Name(), s.path); err != nil {
			return nil, err
		}
	}

	results, err := m.Run(ctx)
	telemetry.EndModelRunContext(ctx, m.Name(), results, err)

	if run != nil {
		if ferr := s.journal.FinishRun(ctx, run.ID, err); ferr != nil {
			log.Warn().Err(ferr).Str("run", run.ID).Msg("Failed to finish journal run")
		}
	}
	return results, err
}

// Close releases telemetry and the journal.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}

// applySets assigns "path=value" pairs. Values are converted to the port type.
func (s *session) applySets(m *engine.Model, sets []string) error {
	for _, kv := range sets {
		path, value, ok := strings.Cut(kv, "=")
		if !ok || path == "" {
			return fmt.Errorf("invalid --set %q: expected path=value", kv)
		}
		path = strings.TrimSpace(path)
		if err := s.set(m, path, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) set(m *engine.Model, path, value string) (err error) {
	op := telemetry.StartOperation(s.ctx, "model.set", attribute.String("port", path))
	defer func() { op.End(err) }()

	before := invalidPorts(m)
	if err = m.Set(path, cty.StringVal(value)); err != nil {
		return err
	}
	flipped := invalidPorts(m) - before
	if op.Span != nil {
		telemetry.AddInvalidationEvent(op.Span, path, flipped)
	}
	op.Logger.Debugf("Set %s, %d ports invalidated", path, flipped)
	_ = s.tel.Events.PublishInputSet(op.Ctx, m.Name(), path, flipped)
	return nil
}

func invalidPorts(m *engine.Model) int {
	n := 0
	for _, p := range m.Status() {
		if !p.Valid {
			n++
		}
	}
	return n
}

func printEvent(e telemetry.Event) {
	target := e.Model
	if e.Component != "" {
		target += "." + e.Component
	}
	fmt.Fprintf(os.Stderr, "%s %-20s %-24s %s\n",
		e.Timestamp.Format("15:04:05.000"), e.Type, target, e.Message)
}
