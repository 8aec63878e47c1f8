package model

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/semvit/semvit/ml"
	_ "github.com/semvit/semvit/ml/backend"
)

// Model implements a specific encoder architecture.
type Model interface {
	Backend() ml.Backend
	Config() ml.Config
}

// Base implements the common fields and methods for all models
type Base struct {
	b      ml.Backend
	config ml.Config
}

// Backend returns the underlying backend that holds the model parameters
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() ml.Config {
	return m.config
}

// Architecture ties a model constructor to the parameter manifest the
// backend materializes before fields are populated.
type Architecture struct {
	New      func(ml.Config) (Model, error)
	Manifest func(ml.Config) []ml.TensorSpec
}

var architectures = make(map[string]Architecture)

// Register registers a model architecture under the given name
func Register(name string, arch Architecture) {
	if _, ok := architectures[name]; ok {
		panic("model: model already registered")
	}

	architectures[name] = arch
}

// Manifest returns the parameter layout of a registered architecture
// without materializing a backend.
func Manifest(c ml.Config) ([]ml.TensorSpec, error) {
	arch := c.Architecture()
	a, ok := architectures[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	return a.Manifest(c), nil
}

type Options struct {
	Seed    uint64
	Weights map[string]ml.Weight
}

type Option func(*Options)

// WithSeed fixes the initializer RNG so freshly initialized models are
// reproducible.
func WithSeed(seed uint64) Option {
	return func(o *Options) { o.Seed = seed }
}

// WithWeights overrides initialized parameters with converted checkpoint
// tensors. Names must match the manifest.
func WithWeights(weights map[string]ml.Weight) Option {
	return func(o *Options) { o.Weights = weights }
}

// New initializes a model instance for the architecture named in the
// configuration, materializes its parameters and binds them to the
// model's tagged fields.
func New(c ml.Config, opts ...Option) (Model, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	arch := c.Architecture()
	a, ok := architectures[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	b, err := ml.NewBackend(c, ml.BackendOptions{
		Specs:   a.Manifest(c),
		Weights: options.Weights,
		Seed:    options.Seed,
	})
	if err != nil {
		return nil, err
	}

	m, err := a.New(c)
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: c}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))
	return m, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("param"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "", tensor)
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}
