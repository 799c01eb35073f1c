package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-swr-cache/fetch"

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// RequestIDHeader carries a per-attempt id the backend can log.
const RequestIDHeader = "X-Request-Id"

// HTTPTransport is a Transport over net/http. Each attempt runs in a client
// span and carries trace context plus a request id.
type HTTPTransport struct {
	Client *http.Client
	// MaxBodyBytes bounds the response size; a larger body fails with
	// ErrBodyTooLarge. Zero means 8 MiB.
	MaxBodyBytes int64

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.Client = c
		}
	}
}

// WithTracerProvider sets where spans are recorded. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if tp != nil {
			t.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithPropagator sets the propagator used to inject trace headers.
func WithPropagator(p propagation.TextMapPropagator) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if p != nil {
			t.propagator = p
		}
	}
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		Client:     http.DefaultClient,
		tracer:     otel.Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do sends req and reads the whole response body.
func (t *HTTPTransport) Do(ctx context.Context, req TransportRequest) (*Response, error) {
	ctx, span := t.tracer.Start(ctx, "fetch "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL),
		),
	)
	defer span.End()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for name, values := range req.Header {
		hreq.Header[name] = append([]string(nil), values...)
	}

	requestID := hreq.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		hreq.Header.Set(RequestIDHeader, requestID)
	}
	span.SetAttributes(attribute.String("http.request.id", requestID))
	t.propagator.Inject(ctx, propagation.HeaderCarrier(hreq.Header))

	resp, err := t.Client.Do(hreq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, err
	}
	defer resp.Body.Close()

	limit := t.MaxBodyBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err == nil && int64(len(data)) > limit {
		err = fmt.Errorf("%w: response body exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}
