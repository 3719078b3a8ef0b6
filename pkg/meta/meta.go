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

// Package meta defines the propagation metadata record carried on every
// job envelope and step wrapper (spec §9, "Ambient context propagation").
package meta

import "context"

// Propagation is captured from the caller's ambient context when present,
// or passed explicitly by the caller. It travels on every job envelope and
// step wrapper; step workers reconstruct a contextual logger from it.
type Propagation struct {
	// CorrelationID routes a single response back to the waiting caller.
	CorrelationID string `json:"correlationId"`

	// TraceID is the distributed trace this emission belongs to, if any.
	TraceID string `json:"traceId,omitempty"`

	// SpanID identifies the span that produced this emission, when an
	// observability.TracerProvider is wired in. Populated alongside
	// TraceID, never on its own.
	SpanID string `json:"spanId,omitempty"`

	// UserID, AccountID, and Action are optional ambient identity fields.
	UserID    string `json:"userId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Action    string `json:"action,omitempty"`
}

// ctxKey is an unexported type to avoid context key collisions across
// packages (standard Go context-value idiom).
type ctxKey struct{}

// ToContext returns a new context carrying p.
func ToContext(ctx context.Context, p *Propagation) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the Propagation stored in ctx, if any.
func FromContext(ctx context.Context) (*Propagation, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Propagation)
	return p, ok
}

// FromContextOrEmpty returns the Propagation stored in ctx, or a zero-value
// Propagation if none was set.
func FromContextOrEmpty(ctx context.Context) *Propagation {
	if p, ok := FromContext(ctx); ok && p != nil {
		return p
	}
	return &Propagation{}
}
