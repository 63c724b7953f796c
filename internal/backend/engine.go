package backend

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/quillhq/quill/internal/stream"
)

// callTimeout is the fixed upper bound after which the client aborts a
// request unilaterally and reports a timeout-class error.
const callTimeout = 60 * time.Second

// frameFunc parses one complete streamed frame and emits the events it
// contains. json syntax errors must be returned unwrapped so the
// decoder can treat them as chunk splits.
type frameFunc func(payload []byte, emit Handler) error

// responseFunc parses a complete non-streaming response body into its
// per-candidate choices.
type responseFunc func(body []byte) ([]Choice, error)

// callSpec is the per-call wiring an adapter hands to the engine: where
// to send the request, how to parse what comes back, and what to do
// when the credential turns out to be revoked.
type callSpec struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Stream  bool

	Frame    frameFunc
	Response responseFunc

	// Revoke is invoked, before the error event, when the service
	// answers 401; the orchestrator can start re-authentication while
	// the caller is still handling the error.
	Revoke func()
}

// engine is the shared transport half of every adapter: one streaming
// HTTP call with decompression, incremental decoding, the error-message
// priority rules and the exactly-one-terminal-event guarantee.
type engine struct {
	client *http.Client
	logger *slog.Logger
}

func newEngine(logger *slog.Logger) *engine {
	return &engine{
		client: &http.Client{},
		logger: logger,
	}
}

// emitter enforces that exactly one terminal event reaches the handler,
// whatever path the call takes to its end.
type emitter struct {
	handler  Handler
	terminal bool
}

func (e *emitter) emit(ev ResponseEvent) {
	if e.terminal {
		return
	}
	if ev.Kind.Terminal() {
		e.terminal = true
	}
	e.handler(ev)
}

// do runs one chat/completion exchange. All outcomes are delivered
// through spec's handler; the return value only reports that delivery
// happened.
func (e *engine) do(ctx context.Context, spec callSpec, handler Handler) {
	out := &emitter{handler: handler}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		out.emit(ResponseEvent{Kind: EventError, Err: fmt.Errorf("build request: %w", err)})
		return
	}

	req.Header.Set("Content-Type", "application/json")
	if spec.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		out.emit(e.transportEvent(ctx, err))
		return
	}
	defer resp.Body.Close()

	body, err := decompressReader(resp)
	if err != nil {
		out.emit(ResponseEvent{Kind: EventError, Err: fmt.Errorf("decompress response: %w", err)})
		return
	}
	if closer, ok := body.(io.Closer); ok {
		defer closer.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.failStatus(out, resp, body, spec.Revoke)
		return
	}

	if !spec.Stream {
		e.finishWhole(out, body, spec.Response)
		return
	}

	e.consumeStream(ctx, out, body, spec)
}

// transportEvent classifies a request-level failure: caller-initiated
// cancellation becomes the cancel event, everything else an error.
func (e *engine) transportEvent(callerCtx context.Context, err error) ResponseEvent {
	if callerCtx.Err() != nil && errors.Is(callerCtx.Err(), context.Canceled) {
		return ResponseEvent{Kind: EventCancel}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResponseEvent{Kind: EventError, Err: fmt.Errorf("request timed out after %s: %w", callTimeout, err)}
	}
	return ResponseEvent{Kind: EventError, Err: err}
}

// failStatus reports a non-2xx answer. The message is, in priority
// order, the structured error.message field, the raw body text, then
// the HTTP status text. 401 revokes the credential first.
func (e *engine) failStatus(out *emitter, resp *http.Response, body io.Reader, revoke func()) {
	raw, _ := io.ReadAll(io.LimitReader(body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized && revoke != nil {
		revoke()
	}

	msg := errorMessage(raw)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e.logger.Error("Backend call failed", "status", resp.StatusCode, "message", msg)
	out.emit(ResponseEvent{Kind: EventError, Err: &StatusError{Code: resp.StatusCode, Message: msg}})
}

// finishWhole synthesizes the event sequence of a non-streaming call:
// one finish per candidate, then done.
func (e *engine) finishWhole(out *emitter, body io.Reader, parse responseFunc) {
	raw, err := io.ReadAll(body)
	if err != nil {
		out.emit(ResponseEvent{Kind: EventError, Err: fmt.Errorf("read response: %w", err)})
		return
	}

	choices, err := parse(raw)
	if err != nil {
		out.emit(ResponseEvent{Kind: EventError, Err: &ProtocolError{Raw: string(raw), Err: err}})
		return
	}

	for i := range choices {
		if choices[i].FinishReason == "" {
			choices[i].FinishReason = FinishStop
		}
		out.emit(ResponseEvent{Kind: EventFinish, Choice: &choices[i]})
	}
	out.emit(ResponseEvent{Kind: EventDone})
}

func (e *engine) consumeStream(callerCtx context.Context, out *emitter, body io.Reader, spec callSpec) {
	dec := stream.NewDecoder(func(payload []byte) error {
		return spec.Frame(payload, out.emit)
	}, func() {
		out.emit(ResponseEvent{Kind: EventDone})
	})

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if derr := dec.Decode(string(buf[:n])); derr != nil {
				if errors.Is(derr, ErrAuthExpired) && spec.Revoke != nil {
					spec.Revoke()
				}
				e.logger.Error("Stream decode failed", "error", derr)
				out.emit(ResponseEvent{Kind: EventError, Err: derr})
				return
			}
			if dec.Done() {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				// Stream closed without the sentinel; the exchange is
				// still over and the caller still gets its terminal.
				out.emit(ResponseEvent{Kind: EventDone})
				return
			}
			out.emit(e.transportEvent(callerCtx, err))
			return
		}
	}
}

// errorMessage extracts the structured error.message field from an
// error body, falling back to the raw text.
func errorMessage(raw []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// decompressReader unwraps the response body per its Content-Encoding.
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
