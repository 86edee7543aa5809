package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// Parameter accessors accept the shapes produced by JSON decoding as well as
// native Go values.

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", badParam(key, "string", v)
	}
	return s, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, badParam(key, "integer", v)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, badParam(key, "integer", v)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, badParam(key, "integer", v)
		}
		return i, nil
	}
	return 0, badParam(key, "integer", v)
}

func boolParam(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, badParam(key, "boolean", v)
		}
		return parsed, nil
	}
	return false, badParam(key, "boolean", v)
}

func stringsParam(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				s = fmt.Sprint(item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, badParam(key, "array of strings", v)
}

// durationParam accepts seconds as a number or a Go duration string.
func durationParam(params map[string]any, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed, nil
		}
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
	}
	return 0, badParam(key, "duration", v)
}

func badParam(key, want string, got any) error {
	return errors.Newf(errors.CodeInvalidInput, "parameter %q must be %s, got %T", key, want, got)
}
