package expression

import (
	"encoding/json"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// Evaluator turns condition expressions into boolean gates.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator. A nil logger disables warnings.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate resolves condition against scope and coerces it to a bool.
// A condition that cannot be resolved evaluates to true so the guarded
// step still runs.
func (e *Evaluator) Evaluate(condition string, scope map[string]any) bool {
	val, err := ResolveStrict(condition, scope)
	if err != nil {
		e.logger.Warn("condition could not be evaluated, running step",
			zap.String("condition", condition),
			zap.Error(err),
		)
		return true
	}
	return Truthy(val)
}

// Truthy coerces a resolved value. Strings are true only for "true" or "1"
// (case-insensitive); numbers are true when nonzero; nil, empty
// collections and false are false; anything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1"
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint:
		return t != 0
	case uint64:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
