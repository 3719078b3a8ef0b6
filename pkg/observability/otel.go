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

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTelProvider implements TracerProvider over the OpenTelemetry SDK
// (go.opentelemetry.io/otel + otel/sdk + otel/trace). It carries no
// exporter of its own: callers attach one via sdktrace.TracerProviderOption
// (sdktrace.WithBatcher/WithSyncer) when constructing it, since exporter
// selection is an application-layer concern this package does not own.
type OTelProvider struct {
	tp *sdktrace.TracerProvider
}

// NewOTelProvider constructs an OTelProvider, tagging every span the
// returned provider emits with serviceName. opts are passed through to
// sdktrace.NewTracerProvider verbatim, so a caller attaches whatever
// exporter/sampler it needs.
func NewOTelProvider(serviceName string, opts ...sdktrace.TracerProviderOption) (*OTelProvider, error) {
	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: merging resource: %w", err)
	}

	allOpts := make([]sdktrace.TracerProviderOption, 0, len(opts)+1)
	allOpts = append(allOpts, sdktrace.WithResource(res))
	allOpts = append(allOpts, opts...)

	return &OTelProvider{tp: sdktrace.NewTracerProvider(allOpts...)}, nil
}

// Tracer implements TracerProvider.
func (p *OTelProvider) Tracer(name string) Tracer {
	return &otelTracer{tracer: p.tp.Tracer(name)}
}

// Shutdown implements TracerProvider.
func (p *OTelProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush implements TracerProvider.
func (p *OTelProvider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

type otelTracer struct {
	tracer trace.Tracer
}

// Start implements Tracer.
func (t *otelTracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanHandle) {
	cfg := &SpanConfig{}
	for _, opt := range opts {
		opt.ApplySpanOption(cfg)
	}

	startOpts := []trace.SpanStartOption{trace.WithSpanKind(toOTelKind(cfg.SpanKind))}
	if len(cfg.Attributes) > 0 {
		startOpts = append(startOpts, trace.WithAttributes(toAttributes(cfg.Attributes)...))
	}
	if cfg.Timestamp != nil {
		startOpts = append(startOpts, trace.WithTimestamp(timeFromNanos(*cfg.Timestamp)))
	}

	ctx, span := t.tracer.Start(ctx, name, startOpts...)
	return ctx, &otelSpan{span: span}
}

func toOTelKind(kind SpanKind) trace.SpanKind {
	switch kind {
	case SpanKindClient:
		return trace.SpanKindClient
	case SpanKindServer:
		return trace.SpanKindServer
	case SpanKindProducer:
		return trace.SpanKindProducer
	case SpanKindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

type otelSpan struct {
	span trace.Span
}

// End implements SpanHandle.
func (s *otelSpan) End(opts ...SpanEndOption) {
	cfg := &SpanEndConfig{}
	for _, opt := range opts {
		opt.ApplySpanEndOption(cfg)
	}

	var endOpts []trace.SpanEndOption
	if cfg.Timestamp != nil {
		endOpts = append(endOpts, trace.WithTimestamp(timeFromNanos(*cfg.Timestamp)))
	}
	s.span.End(endOpts...)
}

// SetStatus implements SpanHandle.
func (s *otelSpan) SetStatus(code StatusCode, message string) {
	s.span.SetStatus(toOTelCode(code), message)
}

func toOTelCode(code StatusCode) codes.Code {
	switch code {
	case StatusCodeOK:
		return codes.Ok
	case StatusCodeError:
		return codes.Error
	default:
		return codes.Unset
	}
}

// SetAttributes implements SpanHandle.
func (s *otelSpan) SetAttributes(attrs map[string]any) {
	s.span.SetAttributes(toAttributes(attrs)...)
}

// AddEvent implements SpanHandle.
func (s *otelSpan) AddEvent(name string, attrs map[string]any) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

// SpanContext implements SpanHandle.
func (s *otelSpan) SpanContext() TraceContext {
	sc := s.span.SpanContext()
	return TraceContext{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: byte(sc.TraceFlags()),
		TraceState: sc.TraceState().String(),
	}
}

// RecordError implements SpanHandle.
func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, toAttribute(k, v))
	}
	return out
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func timeFromNanos(nanos int64) time.Time {
	return time.Unix(0, nanos)
}
