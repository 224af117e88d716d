package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

type piiMiddleware struct {
	next     ports.CheckpointStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks the values of metadata
// and step-record keys matching the patterns before persisting. The
// in-memory state the executor keeps working with is left untouched.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.CheckpointStore) ports.CheckpointStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}
}

func (m *piiMiddleware) Save(ctx context.Context, key domain.IsolationKey, namespace string, state *domain.ExecutionState) (int64, error) {
	// Deep clone the masked parts to avoid side effects on the state the
	// engine keeps using.
	cloned := *state
	cloned.Metadata = deepCopyMap(state.Metadata)
	maskMap(cloned.Metadata, m.patterns)

	if len(state.Steps) > 0 {
		cloned.Steps = make([]domain.StepRecord, len(state.Steps))
		for i, step := range state.Steps {
			step.Inputs = deepCopyMap(step.Inputs)
			step.Outputs = deepCopyMap(step.Outputs)
			maskMap(step.Inputs, m.patterns)
			maskMap(step.Outputs, m.patterns)
			cloned.Steps[i] = step
		}
	}

	return m.next.Save(ctx, key, namespace, &cloned)
}

func (m *piiMiddleware) Load(ctx context.Context, key domain.IsolationKey, namespace string) (*domain.ExecutionState, error) {
	return m.next.Load(ctx, key, namespace)
}

func (m *piiMiddleware) Delete(ctx context.Context, key domain.IsolationKey, namespace string) error {
	return m.next.Delete(ctx, key, namespace)
}

// Helpers

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		// Handle nested maps
		if subMap, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(subMap)
		} else {
			out[k] = v // shallow copy of value
		}
	}
	return out
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		// Check key against patterns
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = "***"
				break
			}
		}

		// Recurse if map
		if subMap, ok := v.(map[string]any); ok {
			maskMap(subMap, patterns)
		}
	}
}
