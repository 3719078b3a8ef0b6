// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resultcodec sanitizes and wraps step outputs, and flattens a
// backing store's child-value map into a single results map (spec §4.2).
package resultcodec

import "fmt"

// WrapperVersion is the current on-wire wrapper schema version.
const WrapperVersion = 1

// sanitizedKeys are rewritten to avoid prototype-mutation when values
// cross the wire into an arbitrary structured map.
var sanitizedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// SequentialWrapper is the on-wire form of a single sequential step's
// output (spec §3, "Step Result Wrapper").
type SequentialWrapper struct {
	Version      int            `json:"version"`
	StepName     string         `json:"stepName"`
	StepResult   any            `json:"stepResult"`
	PriorResults map[string]any `json:"priorResults"`
}

// ParallelWrapper is the on-wire form of a parallel group's combined
// output.
type ParallelWrapper struct {
	Version         int            `json:"version"`
	ParallelResults map[string]any `json:"parallelResults"`
	PriorResults    map[string]any `json:"priorResults"`
}

// WrapSequential builds the wrapper for a single completed step.
func WrapSequential(stepName string, stepResult any, priorResults map[string]any) *SequentialWrapper {
	return &SequentialWrapper{
		Version:      WrapperVersion,
		StepName:     stepName,
		StepResult:   stepResult,
		PriorResults: sanitizeDeep(priorResults).(map[string]any),
	}
}

// WrapParallel builds the wrapper for a completed parallel group.
func WrapParallel(parallelResults, priorResults map[string]any) *ParallelWrapper {
	return &ParallelWrapper{
		Version:         WrapperVersion,
		ParallelResults: sanitizeDeep(parallelResults).(map[string]any),
		PriorResults:    sanitizeDeep(priorResults).(map[string]any),
	}
}

// Flatten reads a map keyed by opaque child identifier (as returned by the
// backing store's getChildrenValues) and produces a single
// {step-name -> output} map. For each child value it merges the child's
// prior-results into the accumulator first, then writes the child's own
// step-result(s) on top, so step-name collisions resolve to the later
// write. Every key is deep-sanitized against the prototype-mutation set.
func Flatten(children map[string]any) (map[string]any, error) {
	result := make(map[string]any)

	for _, raw := range children {
		switch v := raw.(type) {
		case map[string]any:
			if err := mergeWrapperLike(result, v); err != nil {
				return nil, err
			}
		case *SequentialWrapper:
			mergeMap(result, v.PriorResults)
			result[sanitizeKey(v.StepName)] = v.StepResult
		case *ParallelWrapper:
			mergeMap(result, v.PriorResults)
			mergeMap(result, v.ParallelResults)
		default:
			return nil, fmt.Errorf("resultcodec: unrecognized child value type %T", raw)
		}
	}

	return sanitizeDeep(result).(map[string]any), nil
}

// mergeWrapperLike handles a child value decoded generically (e.g. from
// JSON) as map[string]any rather than as a concrete wrapper struct. It
// distinguishes sequential from parallel wrappers by the presence of the
// "stepName"/"parallelResults" keys.
func mergeWrapperLike(acc map[string]any, raw map[string]any) error {
	if prior, ok := raw["priorResults"].(map[string]any); ok {
		mergeMap(acc, prior)
	}

	if parallelResults, ok := raw["parallelResults"].(map[string]any); ok {
		mergeMap(acc, parallelResults)
		return nil
	}

	if stepName, ok := raw["stepName"].(string); ok {
		acc[sanitizeKey(stepName)] = raw["stepResult"]
		return nil
	}

	return fmt.Errorf("resultcodec: child value is neither a sequential nor parallel wrapper")
}

// mergeMap copies every (sanitized) key from src into dst, later writes
// (i.e. later calls) winning on collision.
func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		dst[sanitizeKey(k)] = v
	}
}

// sanitizeKey rewrites a key in the prototype-mutation set.
func sanitizeKey(key string) string {
	if sanitizedKeys[key] {
		return "_sanitized_" + key
	}
	return key
}

// sanitizeDeep recursively rewrites prototype-mutation keys in nested
// maps and arrays. Primitives and nil are returned unchanged.
func sanitizeDeep(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[sanitizeKey(k)] = sanitizeDeep(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeDeep(inner)
		}
		return out
	default:
		return v
	}
}
