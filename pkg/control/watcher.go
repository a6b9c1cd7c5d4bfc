package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spoolsink/pkg/config"
	"spoolsink/pkg/engine"
	"spoolsink/pkg/metrics"
	"spoolsink/pkg/model"
	"spoolsink/pkg/output"
	"spoolsink/pkg/spool"
)

type Manifest struct {
	Version   string           `json:"version"`
	Pipelines []PipelineConfig `json:"pipelines"`
}

type PipelineConfig struct {
	Name       string          `json:"name"`
	Processors []ProcessorRule `json:"processors"`
	Outputs    []OutputTarget  `json:"outputs"`
	BatchSize  int             `json:"batch_size"`
}

type ProcessorRule struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`
}

type OutputTarget struct {
	Type string `json:"type"`

	// http
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// spool
	Path          string         `json:"path,omitempty"`
	SpoolingDir   string         `json:"spooling_dir,omitempty"`
	MaxSize       string         `json:"max_size,omitempty"`
	MessageFormat string         `json:"message_format,omitempty"`
	IdleTimeout   string         `json:"idle_timeout,omitempty"`
	Condition     *ConditionRule `json:"condition,omitempty"`
}

// ConditionRule must match for an event to reach a spool output.
type ConditionRule struct {
	Attribute string `json:"attribute,omitempty"`
	Path      string `json:"path,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Value     string `json:"value,omitempty"`
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDefaultOutput sets the output used when a pipeline lists none. The
// function is called on every reload since the pipeline closes retired
// outputs.
func WithDefaultOutput(fn func() (output.Output, error)) Option {
	return func(w *Watcher) { w.defaultOutput = fn }
}

// WithFiles makes every spool output share f. Without it the watcher
// creates its own Files, closed by Close.
func WithFiles(f *spool.Files) Option {
	return func(w *Watcher) { w.files = f }
}

// Watcher loads the pipeline manifest from Redis and applies it to a
// running pipeline whenever an update is announced.
type Watcher struct {
	client        *redis.Client
	cfg           config.RedisConfig
	pipeline      *engine.Pipeline
	logger        *zap.Logger
	metrics       *metrics.Metrics
	defaultOutput func() (output.Output, error)

	// Spool outputs of every manifest share one Files, so two outputs on
	// one active path never hold separate handles on it.
	files    *spool.Files
	ownFiles bool
}

func NewWatcher(cfg config.RedisConfig, pipeline *engine.Pipeline, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.With(zap.String("component", "control")),
		metrics:  m,
		defaultOutput: func() (output.Output, error) {
			return output.NewConsoleOutput(), nil
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.files == nil {
		w.files = spool.NewFiles(spool.DefaultFileMode, m)
		w.ownFiles = true
	}
	return w
}

// Start subscribes to update announcements, applies the current manifest
// and then reloads on every announcement until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting config watcher",
		zap.String("channel", w.cfg.Channel),
		zap.String("key", w.cfg.ConfigKey))

	pubsub := w.client.Subscribe(ctx, w.cfg.Channel)
	defer pubsub.Close()

	// Wait for the subscription so no announcement after the first load is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", w.cfg.Channel, err)
	}

	w.reloadAndLog(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.logger.Info("received update signal", zap.String("payload", msg.Payload))
			w.reloadAndLog(ctx)
		}
	}
}

func (w *Watcher) reloadAndLog(ctx context.Context) {
	if err := w.Reload(ctx); err != nil {
		w.logger.Error("reload failed, keeping current state", zap.Error(err))
	}
}

// Reload fetches the manifest and applies its first pipeline. A missing key
// leaves the pipeline untouched and returns nil. Any other failure also
// leaves it untouched and is returned.
func (w *Watcher) Reload(ctx context.Context) error {
	val, err := w.client.Get(ctx, w.cfg.ConfigKey).Result()
	if errors.Is(err, redis.Nil) {
		w.logger.Info("no config found in redis, keeping current state")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal([]byte(val), &manifest); err != nil {
		return fmt.Errorf("invalid config json: %w", err)
	}
	if len(manifest.Pipelines) == 0 {
		return errors.New("manifest has no pipelines")
	}
	cfg := manifest.Pipelines[0]

	chain, err := BuildChain(cfg.Processors)
	if err != nil {
		return err
	}
	out, err := w.buildOutputs(cfg.Outputs)
	if err != nil {
		return err
	}

	w.pipeline.UpdateChain(chain)
	w.pipeline.UpdateOutput(out)
	w.pipeline.UpdateBatchSize(int64(cfg.BatchSize))

	w.logger.Info("applied manifest",
		zap.String("version", manifest.Version),
		zap.String("pipeline", cfg.Name),
		zap.Int("processors", chain.Len()),
		zap.Int("outputs", len(cfg.Outputs)))
	return nil
}

// Close releases the Redis client, and the spool files when the watcher
// created them. Call it after the pipeline has closed its output.
func (w *Watcher) Close() error {
	err := w.client.Close()
	if w.ownFiles {
		err = multierr.Append(err, w.files.Close())
	}
	return err
}

// BuildChain compiles processor rules in order.
func BuildChain(rules []ProcessorRule) (*engine.ProcessorChain, error) {
	processors := make([]engine.Processor, 0, len(rules))
	for _, rule := range rules {
		p, err := buildProcessor(rule)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", rule.ID, err)
		}
		processors = append(processors, p)
	}
	return engine.NewProcessorChain(processors...), nil
}

func buildProcessor(rule ProcessorRule) (engine.Processor, error) {
	switch rule.Type {
	case "filter":
		// Drops entries containing the value anywhere in the body.
		val := rule.Params["value"]
		if val == "" {
			return nil, errors.New("filter needs a value")
		}
		return engine.NewFilterProcessor(rule.ID, []string{val}), nil
	case "redact":
		pat := rule.Params["pattern"]
		rep := rule.Params["replacement"]
		if pat == "" || rep == "" {
			return nil, errors.New("redact needs pattern and replacement")
		}
		if rule.Params["regex"] == "true" {
			return engine.NewRegexRedaction(rule.ID, pat, rep)
		}
		return engine.NewRedactionProcessor(rule.ID, pat, rep), nil
	case "attribute_filter":
		return engine.NewAttributeFilterProcessor(rule.ID, engine.ConditionConfig{
			Attribute: rule.Params["attribute"],
			Path:      rule.Params["path"],
			Operator:  engine.Operator(rule.Params["operator"]),
			Value:     rule.Params["value"],
		})
	default:
		return nil, fmt.Errorf("unknown processor type %q", rule.Type)
	}
}

func (w *Watcher) buildOutputs(targets []OutputTarget) (output.Output, error) {
	if len(targets) == 0 {
		out, err := w.defaultOutput()
		if err != nil {
			return nil, fmt.Errorf("default output: %w", err)
		}
		return output.NewFanOutOutput(out), nil
	}

	outputs := make([]output.Output, 0, len(targets))
	for i, t := range targets {
		out, err := w.buildOutput(t)
		if err != nil {
			for _, built := range outputs {
				err = multierr.Append(err, built.Close())
			}
			return nil, fmt.Errorf("output %d (%s): %w", i, t.Type, err)
		}
		outputs = append(outputs, out)
	}
	return output.NewFanOutOutput(outputs...), nil
}

func (w *Watcher) buildOutput(t OutputTarget) (output.Output, error) {
	switch t.Type {
	case "console":
		return output.NewConsoleOutput(), nil
	case "http":
		if t.URL == "" {
			return nil, errors.New("http output needs a url")
		}
		return output.NewHTTPOutput(t.URL, t.Headers), nil
	case "spool":
		return w.buildSpool(t)
	default:
		return nil, fmt.Errorf("unknown output type %q", t.Type)
	}
}

func (w *Watcher) buildSpool(t OutputTarget) (output.Output, error) {
	cfg := spool.Config{
		Path:          t.Path,
		SpoolingDir:   t.SpoolingDir,
		MaxSize:       t.MaxSize,
		MessageFormat: t.MessageFormat,
	}
	if t.IdleTimeout != "" {
		d, err := time.ParseDuration(t.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}

	opts := []spool.Option{
		spool.WithLogger(w.logger.With(zap.String("output", "spool"), zap.String("path", t.Path))),
		spool.WithMetrics(w.metrics),
		spool.WithFiles(w.files),
	}
	if t.Condition != nil {
		cond, err := engine.NewCondition(engine.ConditionConfig{
			Attribute: t.Condition.Attribute,
			Path:      t.Condition.Path,
			Operator:  engine.Operator(t.Condition.Operator),
			Value:     t.Condition.Value,
		})
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		opts = append(opts, spool.WithFilter(func(ev *model.Event) bool {
			return cond.Match(ev.JSON())
		}))
	}
	sink, err := spool.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return sink, nil
}
