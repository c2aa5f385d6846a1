package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BATMAN"

// envAliases are short names for the most commonly overridden keys. The
// long form wins when both are set.
var envAliases = map[string]string{
	"BATMAN_LOG_LEVEL":    "BATMAN_LOGGING_LEVEL",
	"BATMAN_API_ADDR":     "BATMAN_API_LISTEN_ADDR",
	"BATMAN_METRICS_ADDR": "BATMAN_METRICS_LISTEN_ADDR",
}

// EnvLoader overrides configuration fields from environment variables named
// after their YAML path, e.g. monitoring.interval is BATMAN_MONITORING_INTERVAL.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a new environment loader
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		lookup: os.LookupEnv,
	}
}

// Load applies every set variable to config.
func (el *EnvLoader) Load(config *Config) error {
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix)
}

func (el *EnvLoader) get(name string) (string, bool) {
	if v, ok := el.lookup(name); ok && v != "" {
		return v, true
	}
	for alias, target := range envAliases {
		if target == name {
			if v, ok := el.lookup(alias); ok && v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// loadStruct recursively loads a struct from environment variables
func (el *EnvLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldName := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if fieldName == "-" {
			continue
		}
		if fieldName == "" {
			fieldName = fieldType.Name
		}

		envName := prefix + "_" + strings.ToUpper(fieldName)

		switch field.Kind() {
		case reflect.Struct:
			if err := el.loadStruct(field, envName); err != nil {
				return err
			}
		case reflect.Slice:
			if err := el.loadSlice(field, envName); err != nil {
				return err
			}
		default:
			if err := el.loadField(field, envName); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadField loads a single field from environment variable
func (el *EnvLoader) loadField(field reflect.Value, envName string) error {
	value, ok := el.get(envName)
	if !ok {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", envName, err)
		}
		field.SetInt(intVal)

	case reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float for %s: %w", envName, err)
		}
		field.SetFloat(floatVal)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", envName, err)
		}
		field.SetBool(boolVal)

	default:
		return fmt.Errorf("unsupported field type %s for %s", field.Kind(), envName)
	}

	return nil
}

// loadSlice loads a comma separated string list. Node lists cannot be set
// from the environment.
func (el *EnvLoader) loadSlice(field reflect.Value, envName string) error {
	if field.Type().Elem().Kind() != reflect.String {
		return nil
	}
	value, ok := el.get(envName)
	if !ok {
		return nil
	}

	parts := strings.Split(value, ",")
	slice := reflect.MakeSlice(field.Type(), 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			slice = reflect.Append(slice, reflect.ValueOf(part))
		}
	}

	field.Set(slice)
	return nil
}
