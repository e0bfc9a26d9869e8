// Package executor implements the command pipeline's core: parsing a
// command envelope, validating its schema, dispatching to a handler table,
// and producing a result envelope.
//
// Unknown or malformed envelopes produce no output at all (a silent
// drop), never an error result.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrasner/yodi/pkg/audit"
	"github.com/dkrasner/yodi/pkg/observability"
)

// Envelope is the wire form of both commands and results: type, id, and
// per-type payload fields folded into a single JSON object.
type Envelope map[string]any

// Type returns the envelope's "type" field, or "" if absent or not a string.
func (e Envelope) Type() string {
	s, _ := e["type"].(string)
	return s
}

// ID returns the envelope's "id" field, or "" if absent or not a string.
func (e Envelope) ID() string {
	s, _ := e["id"].(string)
	return s
}

// String returns e[key] as a string, and whether it was present and typed
// correctly.
func (e Envelope) String(key string) (string, bool) {
	s, ok := e[key].(string)
	return s, ok
}

// Handler runs one command type against a parsed envelope, writing at most
// one of "result" or "error" into the result envelope ("stop" writes
// neither when it succeeds).
type Handler func(cmd Envelope, result Envelope)

// Dispatcher holds the static, ordered handler table (echo, stop, log,
// shell). Register panics on a duplicate name.
type Dispatcher struct {
	order    []string
	handlers map[string]Handler
	logger   *slog.Logger
	audit    *audit.Logger
	metrics  *observability.AgentMetrics
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// SetAudit attaches an audit logger. A nil *audit.Logger (the zero value)
// is valid and makes every Run call a no-op for auditing, so this is safe
// to skip entirely.
func (d *Dispatcher) SetAudit(a *audit.Logger) {
	d.audit = a
}

// SetMetrics attaches a metrics sink. A nil *observability.AgentMetrics is
// valid and makes every Run call a no-op for metrics.
func (d *Dispatcher) SetMetrics(m *observability.AgentMetrics) {
	d.metrics = m
}

// Register adds a handler under name, in declaration order.
func (d *Dispatcher) Register(name string, h Handler) {
	if _, exists := d.handlers[name]; exists {
		panic(fmt.Sprintf("executor: duplicate handler %q", name))
	}
	d.order = append(d.order, name)
	d.handlers[name] = h
}

// Run executes the full pipeline against a raw JSON command buffer. It
// returns the serialized result envelope and true, or
// (nil, false) if the command must be silently dropped (parse failure,
// schema failure, or unknown type).
func (d *Dispatcher) Run(raw []byte) ([]byte, bool) {
	var cmd Envelope
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Debug("executor: drop: invalid json", "error", err)
		d.audit.LogCommandDrop(context.Background(), "invalid json")
		d.incDropped()
		return nil, false
	}

	typ, typOK := cmd.String("type")
	id, idOK := cmd.String("id")
	if !typOK || !idOK {
		d.logger.Debug("executor: drop: missing type or id")
		d.audit.LogCommandDrop(context.Background(), "missing type or id")
		d.incDropped()
		return nil, false
	}

	handler, known := d.handlers[typ]
	if !known {
		d.logger.Debug("executor: drop: unknown command type", "type", typ)
		d.audit.LogCommandDrop(context.Background(), fmt.Sprintf("unknown command type %q", typ))
		d.incDropped()
		return nil, false
	}

	d.audit.LogCommandRecv(context.Background(), typ, id)
	if d.metrics != nil {
		d.metrics.CommandsReceived.Inc()
	}
	start := time.Now()
	result := Envelope{"type": typ, "id": id}
	handler(cmd, result)
	errMsg, _ := result.String("error")
	dur := time.Since(start)
	d.audit.LogCommandResult(context.Background(), typ, id, errMsg, dur)
	if d.metrics != nil {
		d.metrics.CommandLatency.Observe(dur.Seconds())
		if errMsg != "" {
			d.metrics.CommandsErrored.Inc()
		} else {
			d.metrics.CommandsOK.Inc()
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		// Marshaling a map of strings cannot fail in practice; treat it as
		// a drop rather than propagate an encoding error upstream.
		d.logger.Error("executor: marshal result failed", "error", err)
		return nil, false
	}
	return out, true
}

func (d *Dispatcher) incDropped() {
	if d.metrics != nil {
		d.metrics.CommandsDropped.Inc()
	}
}

// setError sets the error field on a result envelope. A handler sets at
// most one of result/error, never both.
func setError(result Envelope, format string, args ...any) {
	result["error"] = fmt.Sprintf(format, args...)
}

// setResult sets the result field on a result envelope.
func setResult(result Envelope, value string) {
	result["result"] = value
}
