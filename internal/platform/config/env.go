package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"
)

// env is a stack of key/value layers; later layers win.
type env struct {
	layers []map[string]string
}

func (o loaderOptions) environment() (env, error) {
	var e env
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return env{}, err
	}
	e.push(dotenv)
	if o.useSystemEnv {
		e.push(systemEnv())
	}
	e.push(o.envMap)
	return e, nil
}

func (e *env) push(layer map[string]string) {
	if len(layer) > 0 {
		e.layers = append(e.layers, layer)
	}
}

func (e env) lookup(key string) (string, bool) {
	for i := len(e.layers) - 1; i >= 0; i-- {
		if value, ok := e.layers[i][key]; ok {
			return value, true
		}
	}
	return "", false
}

func (e env) merged() map[string]string {
	out := make(map[string]string)
	for _, layer := range e.layers {
		maps.Copy(out, layer)
	}
	return out
}

func (e env) str(key, fallback string) string {
	if value, _ := e.lookup(key); value != "" {
		return value
	}
	return fallback
}

func (e env) dur(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(e.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (e env) flag(key string, fallback bool) bool {
	switch strings.ToLower(e.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (e env) list(key string) []string {
	out := []string{}
	for _, item := range strings.Split(e.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// pairs parses "a=x, b=y" into a map with lower-cased keys.
func (e env) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range e.list(key) {
		name, value, ok := strings.Cut(item, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

func systemEnv() map[string]string {
	out := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = value
		}
	}
	return out
}

// readDotEnv parses KEY=VALUE lines, tolerating comments, an "export " prefix and quoted values.
// A missing file yields no values.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return out, nil
}
