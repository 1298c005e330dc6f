package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

const (
	tagEnv      = "env"
	tagDefault  = "default"
	tagRequired = "required"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (when not empty), applies BUNDLEHOST_* environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with a custom environment source.
func LoadWithLookup(path string, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, EnvPrefix, lookup); err != nil {
			return nil, err
		}
	}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := ValidateRequired(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML or TOML file into cfg, chosen by extension.
func LoadFile(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config %s: unknown keys %v", path, undecoded)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

func structValue(cfg interface{}) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, ErrConfigNotPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigNotStruct
	}
	return v, nil
}

// ApplyEnv overrides fields tagged `env:"NAME"` from the environment. Nested structs
// join their names with an underscore, so Framework.StorageDir reads
// BUNDLEHOST_FRAMEWORK_STORAGE_DIR.
func ApplyEnv(cfg interface{}, prefix string, lookup LookupFunc) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	return applyEnv(v, prefix, lookup)
}

func applyEnv(v reflect.Value, prefix string, lookup LookupFunc) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		name, ok := fieldType.Tag.Lookup(tagEnv)
		if !ok || !field.CanSet() {
			continue
		}
		key := prefix + name
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key+"_", lookup); err != nil {
				return err
			}
			continue
		}
		raw, found := lookup(key)
		if !found {
			continue
		}
		if err := setFromString(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

// ApplyDefaults sets fields tagged `default:"..."` that still hold their zero value.
func ApplyDefaults(cfg interface{}) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	return applyDefaults(v)
}

func applyDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		def, ok := fieldType.Tag.Lookup(tagDefault)
		if !ok || !field.IsZero() {
			continue
		}
		if err := setFromString(field, def); err != nil {
			return fmt.Errorf("default for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

// ValidateRequired checks that fields tagged `required:"true"` are set.
func ValidateRequired(cfg interface{}) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	var missing []string
	validateRequired(v, "", &missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigRequiredFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

func validateRequired(v reflect.Value, prefix string, missing *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		name := fieldType.Name
		if prefix != "" {
			name = prefix + "." + name
		}
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			validateRequired(field, name, missing)
			continue
		}
		if fieldType.Tag.Get(tagRequired) == "true" && field.IsZero() {
			*missing = append(*missing, name)
		}
	}
}

// setFromString converts raw into the field's type. Slices are comma separated and
// maps take comma separated key=value pairs.
func setFromString(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.Slice:
		parts := splitList(raw)
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := setFromString(elem, p); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		field.Set(out)
		return nil
	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Type())
		}
		out := reflect.MakeMap(field.Type())
		for _, p := range splitList(raw) {
			k, val, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("map entry %q is not key=value", p)
			}
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := setFromString(elem, strings.TrimSpace(val)); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)).Convert(field.Type().Key()), elem)
		}
		field.Set(out)
		return nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		converted, err := cast.FromType(raw, field.Type())
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(converted).Convert(field.Type()))
		return nil
	default:
		return fmt.Errorf("%w: %s (%s)", ErrUnsupportedTypeForDefault, field.Type(), strconv.Quote(raw))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
