package catalog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// File is the on-disk catalog definition.
type File struct {
	Metrics []catalogdomain.CreateMetricRequest `mapstructure:"metrics"`
	Plans   []catalogdomain.CreatePlanRequest   `mapstructure:"plans"`
}

type SeedResult struct {
	MetricsCreated int
	PlansCreated   int
	Skipped        int
}

// Loader seeds the catalog store from a YAML file and reseeds on change.
// Existing ids are never rewritten.
type Loader struct {
	v    *viper.Viper
	svc  catalogdomain.Service
	log  *zap.Logger
	last atomic.Value // holds SeedResult
}

func NewLoader(path string, svc catalogdomain.Service, log *zap.Logger) (*Loader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("catalog file path is empty")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	l := &Loader{v: v, svc: svc, log: log.Named("catalog.loader")}
	l.last.Store(SeedResult{})
	return l, nil
}

func (l *Loader) Decode() (File, error) {
	var file File
	err := l.v.Unmarshal(&file, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	return file, err
}

// Seed creates the metrics then the plans found in the file.
func (l *Loader) Seed(ctx context.Context) (SeedResult, error) {
	file, err := l.Decode()
	if err != nil {
		return SeedResult{}, err
	}

	var result SeedResult
	for _, m := range file.Metrics {
		_, err := l.svc.CreateMetric(ctx, m)
		switch {
		case err == nil:
			result.MetricsCreated++
		case errors.Is(err, catalogdomain.ErrMetricExists):
			result.Skipped++
		default:
			return result, fmt.Errorf("seed metric %q: %w", m.ID, err)
		}
	}
	for _, p := range file.Plans {
		_, err := l.svc.CreatePlan(ctx, p)
		switch {
		case err == nil:
			result.PlansCreated++
		case errors.Is(err, catalogdomain.ErrPlanExists):
			result.Skipped++
		default:
			return result, fmt.Errorf("seed plan %q: %w", p.ID, err)
		}
	}

	l.last.Store(result)
	l.log.Info("catalog seeded",
		zap.Int("metrics_created", result.MetricsCreated),
		zap.Int("plans_created", result.PlansCreated),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (l *Loader) Last() SeedResult {
	return l.last.Load().(SeedResult)
}

// Watch reseeds whenever the file changes.
func (l *Loader) Watch(ctx context.Context) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if _, err := l.Seed(ctx); err != nil {
			l.log.Warn("catalog reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.log.Info("catalog reloaded", zap.String("file", e.Name))
	})
	l.v.WatchConfig()
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	case nil:
		return decimal.Zero, nil
	default:
		return data, nil
	}
}
