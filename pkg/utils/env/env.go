/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package env reads typed configuration from environment variables.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
)

// getEnvWithParser retrieves an environment variable. If set, it uses the provided parser to parse it.
// It logs success or failure and returns the parsed value or the default value in case of a failure.
func getEnvWithParser[T any](key string, defaultVal T, parser func(string) (T, error), logger logr.Logger) T {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		logger.Info("Environment variable not set, using default value", "key", key, "defaultValue", defaultVal)
		return defaultVal
	}

	parsedValue, err := parser(valueStr)
	if err != nil {
		logger.Info(fmt.Sprintf("Failed to parse environment variable as %s, using default value", reflect.TypeOf(defaultVal)),
			"key", key, "rawValue", valueStr, "error", err, "defaultValue", defaultVal)
		return defaultVal
	}

	logger.Info("Successfully loaded environment variable", "key", key, "value", parsedValue)
	return parsedValue
}

// GetEnvBool gets a bool from an environment variable with a default value.
func GetEnvBool(key string, defaultVal bool, logger logr.Logger) bool {
	return getEnvWithParser(key, defaultVal, strconv.ParseBool, logger)
}

// GetEnvInt gets an int from an environment variable with a default value.
func GetEnvInt(key string, defaultVal int, logger logr.Logger) int {
	return getEnvWithParser(key, defaultVal, strconv.Atoi, logger)
}

// GetEnvDuration gets a time.Duration from an environment variable with a default value.
func GetEnvDuration(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	return getEnvWithParser(key, defaultVal, time.ParseDuration, logger)
}

// GetEnvSeconds gets a duration given in (possibly fractional) seconds.
func GetEnvSeconds(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	parser := func(s string) (time.Duration, error) {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %v", secs)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return getEnvWithParser(key, defaultVal, parser, logger)
}

// GetEnvString gets a string from an environment variable with a default value.
func GetEnvString(key string, defaultVal string, logger logr.Logger) string {
	parser := func(s string) (string, error) { return s, nil }
	return getEnvWithParser(key, defaultVal, parser, logger)
}

// GetEnvList gets a comma-separated list from an environment variable.
func GetEnvList(key string, defaultVal []string, logger logr.Logger) []string {
	parser := func(s string) ([]string, error) { return utils.SplitList(s), nil }
	return getEnvWithParser(key, defaultVal, parser, logger)
}

// GetEnvMap gets a comma-separated list of key=value pairs.
func GetEnvMap(key string, defaultVal map[string]string, logger logr.Logger) map[string]string {
	parser := func(s string) (map[string]string, error) {
		out := make(map[string]string)
		for _, item := range utils.SplitList(s) {
			k, v, ok := strings.Cut(item, "=")
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if !ok || k == "" || v == "" {
				return nil, fmt.Errorf("malformed pair %q, expected key=value", item)
			}
			out[k] = v
		}
		return out, nil
	}
	return getEnvWithParser(key, defaultVal, parser, logger)
}
