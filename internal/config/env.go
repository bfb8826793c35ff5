package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harrylevesque/slqrattend/internal/utils"
)

// envReader reads typed variables, falling back to defaults and collecting
// parse errors.
type envReader struct {
	errs []string
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a number", key, v))
		return def
	}
	return f
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a duration", key, v))
		return def
	}
	return d
}

func (e *envReader) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return utils.New(utils.CodeInvalidConfig, strings.Join(e.errs, "; "))
}
