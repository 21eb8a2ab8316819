/*
 * Copyright 2026 Axialworks, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")
)

// DefaultEnvPrefix is prepended to every variable name.
const DefaultEnvPrefix = "FANFLEET_"

// EnvConfigLoader loads configuration from environment variables, with
// nested struct fields mapped by underscore separation. For example
// FANFLEET_LOGGING_LEVEL maps to config.Logging.Level.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates an environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	return &EnvConfigLoader{logger: log, prefix: prefix}
}

// Load implements ConfigLoader by reading from environment variables.
// A complete JSON document in <prefix>CONFIG_JSON wins over individual
// variables.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if jsonConfig := os.Getenv(e.prefix + "CONFIG_JSON"); jsonConfig != "" {
		if err := json.Unmarshal([]byte(jsonConfig), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	return e.loadStruct(v, e.prefix)
}

func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		name := envName(t.Field(i))

		if name == "" || !field.CanSet() {
			continue
		}

		switch field.Kind() {
		case reflect.Struct:
			if err := e.loadStruct(field, prefix+name+"_"); err != nil {
				return err
			}
		case reflect.Ptr:
			if field.Type().Elem().Kind() != reflect.Struct {
				continue
			}

			if field.IsNil() {
				continue // only override sections the file declared
			}

			if err := e.loadStruct(field.Elem(), prefix+name+"_"); err != nil {
				return err
			}
		default:
			if raw, ok := os.LookupEnv(prefix + name); ok {
				if err := setField(field, raw); err != nil {
					return fmt.Errorf("env %s%s: %w", prefix, name, err)
				}
			}
		}
	}

	return nil
}

// envName derives the variable name from the json tag, falling back to
// the field name.
func envName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}

	name := strings.Split(tag, ",")[0]
	if name == "" {
		name = f.Name
	}

	return strings.ToUpper(name)
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// Duration-shaped fields accept "5s" strings.
		if d, err := time.ParseDuration(raw); err == nil && field.Type().Name() == "Duration" {
			field.SetInt(int64(d))
			return nil
		}

		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}

		field.SetFloat(f)
	default:
		// Slices and maps stay file-configured.
	}

	return nil
}

// ApplyEnvOverrides layers environment variables over an already-loaded
// configuration.
func (c *Config) ApplyEnvOverrides(ctx context.Context, cfg interface{}) error {
	return NewEnvConfigLoader(c.logger, "").Load(ctx, "", cfg)
}
