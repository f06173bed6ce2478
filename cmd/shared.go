package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/instrumented"
	"github.com/blujedis/knect-mongo-sub000/driver/memory"
	mongodriver "github.com/blujedis/knect-mongo-sub000/driver/mongo"
	"github.com/blujedis/knect-mongo-sub000/driver/sqldoc"
	"github.com/blujedis/knect-mongo-sub000/driver/sqldoc/postgres"
	"github.com/blujedis/knect-mongo-sub000/driver/sqldoc/sqlite"
	"github.com/blujedis/knect-mongo-sub000/logger"
)

// JoinConfig is the config file form of core.Join.
type JoinConfig struct {
	Collection string `mapstructure:"collection"`
	Key        string `mapstructure:"key"`
	Cascade    bool   `mapstructure:"cascade"`
	Limit      int64  `mapstructure:"limit"`
}

// ModelConfig is the config file form of a model definition.
type ModelConfig struct {
	Collection string                `mapstructure:"collection"`
	SoftDelete string                `mapstructure:"softDelete"`
	CreatedAt  string                `mapstructure:"createdAt"`
	UpdatedAt  string                `mapstructure:"updatedAt"`
	Joins      map[string]JoinConfig `mapstructure:"joins"`
	Rules      map[string]any        `mapstructure:"rules"`
}

func (c ModelConfig) options() []core.SchemaOption {
	var opts []core.SchemaOption
	for _, name := range slices.Sorted(maps.Keys(c.Joins)) {
		jc := c.Joins[name]
		join := core.Join{Collection: jc.Collection, Key: jc.Key, Cascade: jc.Cascade}
		if jc.Limit > 0 {
			join.Options = &core.FindOptions{Limit: jc.Limit}
		}
		opts = append(opts, core.WithJoin(name, join))
	}
	if c.SoftDelete != "" {
		opts = append(opts, core.SoftDelete(c.SoftDelete))
	}
	if c.CreatedAt != "" || c.UpdatedAt != "" {
		opts = append(opts, core.Timestamps(c.CreatedAt, c.UpdatedAt))
	}
	if len(c.Rules) > 0 {
		opts = append(opts, core.WithValidator(core.NewRuleValidator(c.Rules)))
	}
	return opts
}

// session bundles what a command needs to talk to the configured store.
type session struct {
	log      logger.Logger
	registry *core.Registry
	metrics  *prometheus.Registry
}

// openSession connects to the configured store and defines the configured
// models.
func openSession(ctx context.Context) (*session, error) {
	log, err := logger.NewLogger(viper.GetString(logFormatConf), viper.GetString(logLevelConf))
	if err != nil {
		return nil, err
	}

	driver, err := openDriver(ctx, log)
	if err != nil {
		return nil, err
	}

	s := &session{log: log}
	if viper.GetBool(metricsConf) {
		s.metrics = prometheus.NewRegistry()
		driver = instrumented.New(driver, instrumented.NewMetrics(s.metrics))
	}
	s.registry = core.NewRegistry(driver, core.WithLogger(log))

	var models map[string]ModelConfig
	if err := viper.UnmarshalKey(modelsConf, &models); err != nil {
		_ = s.registry.Close(ctx)
		return nil, fmt.Errorf("invalid models config: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(models)) {
		cfg := models[name]
		if cfg.Collection == "" {
			cfg.Collection = name
		}
		if _, err := s.registry.Define(name, cfg.Collection, cfg.options()...); err != nil {
			_ = s.registry.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

// model returns the configured model called name, or a plain model over the
// collection of that name.
func (s *session) model(name string) (*core.Model, error) {
	m, ok := s.registry.Model(name)
	if !ok {
		var err error
		if m, err = s.registry.Define(name, name); err != nil {
			return nil, err
		}
	}
	for _, category := range []core.Category{core.CategoryFind, core.CategoryUpdate, core.CategoryDelete} {
		if err := m.Pre(category, core.DebugHook(s.log)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// close releases the store and prints the metrics summary when enabled.
func (s *session) close(ctx context.Context, stderr io.Writer) error {
	err := s.registry.Close(ctx)
	if s.metrics != nil {
		if merr := writeMetrics(stderr, s.metrics); merr != nil {
			s.log.Warn("could not write metrics", zap.Error(merr))
		}
	}
	return err
}

func openDriver(ctx context.Context, log logger.Logger) (core.Driver, error) {
	engine := viper.GetString(storeEngineConf)
	uri := viper.GetString(storeURIConf)

	switch engine {
	case "memory":
		return memory.New(memory.WithLogger(log)), nil
	case "sqlite", "postgres":
		var (
			d   *sqldoc.Driver
			err error
		)
		if engine == "sqlite" {
			d, err = sqlite.Open(uri, sqldoc.WithLogger(log))
		} else {
			d, err = postgres.Open(uri, postgres.Config{MaxOpenConns: 10}, sqldoc.WithLogger(log))
		}
		if err != nil {
			return nil, err
		}
		if err := d.Connect(ctx); err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		return d, nil
	case "mongo":
		return mongodriver.NewMongoDriver(ctx, uri, viper.GetString(storeDatabaseConf), mongodriver.WithLogger(log))
	case "":
		return nil, fmt.Errorf("missing store engine type")
	}
	return nil, fmt.Errorf("invalid store engine type: %s", engine)
}

// parseFilter reads a command line filter: extended JSON for a document
// filter, anything else as an identifier.
func parseFilter(arg string) (any, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return core.Filter{}, nil
	}
	if !strings.HasPrefix(arg, "{") {
		return arg, nil
	}
	var m bson.M
	if err := bson.UnmarshalExtJSON([]byte(arg), false, &m); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return core.Filter(m), nil
}

// parseSort reads "field" or "field:-1" rules.
func parseSort(rules []string) ([]core.FindOption, error) {
	opts := make([]core.FindOption, 0, len(rules))
	for _, rule := range rules {
		field, dir, hasDir := strings.Cut(rule, ":")
		order := 1
		if hasDir {
			switch dir {
			case "1", "asc":
			case "-1", "desc":
				order = -1
			default:
				return nil, fmt.Errorf("invalid sort direction %q", dir)
			}
		}
		if field == "" {
			return nil, fmt.Errorf("invalid sort rule %q", rule)
		}
		opts = append(opts, core.SortBy(field, order))
	}
	return opts, nil
}

// writeJSON prints v as indented JSON to allow piping to other commands,
// e.g. jq.
func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// writeMetrics prints the counters gathered by reg keyed by name and labels.
func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	counters := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels = append(labels, pair.GetName()+"="+pair.GetValue())
			}
			counters[family.GetName()+"{"+strings.Join(labels, ",")+"}"] = metric.GetCounter().GetValue()
		}
	}
	return writeJSON(w, counters)
}
