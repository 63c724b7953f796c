// Package stream turns a raw incremental byte stream from a push-style
// connection into discrete frames, tolerating frames split across
// network chunks.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// DoneSentinel is the literal line terminating a streamed exchange.
const DoneSentinel = "[DONE]"

// Recognized frame prefixes, stripped before parsing.
var framePrefixes = []string{"data:", "event:"}

// FrameFunc parses one complete frame payload and dispatches whatever
// events it contains. A *json.SyntaxError return is interpreted by the
// decoder as a possible chunk split; any other error is propagated as a
// contract violation from the backend.
type FrameFunc func(payload []byte) error

// Decoder reassembles newline-delimited frames from arbitrary chunk
// boundaries. One chunk may contain zero, one or many complete frames,
// and one frame may span several chunks; both occur in practice with
// remote inference services.
type Decoder struct {
	frame  FrameFunc
	onDone func()

	// tail holds an unterminated partial line from the previous chunk.
	tail string
	done bool
}

func NewDecoder(frame FrameFunc, onDone func()) *Decoder {
	return &Decoder{frame: frame, onDone: onDone}
}

// Done reports whether the [DONE] sentinel has been seen. The caller
// should close the underlying connection once it has.
func (d *Decoder) Done() bool { return d.done }

// Decode processes one raw chunk. Per line: the sentinel ends the
// exchange; a parse failure on the chunk's unterminated final line is
// kept as the tail for the next chunk. A newline-terminated line can
// never be a chunk split, so a parse failure there is a real protocol
// error and is returned.
func (d *Decoder) Decode(chunk string) error {
	if d.done {
		return nil
	}

	data := d.tail + chunk
	d.tail = ""

	lines := strings.Split(data, "\n")
	for i, line := range lines {
		terminated := i < len(lines)-1
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		// SSE comment lines carry no frame.
		if strings.HasPrefix(line, ":") {
			continue
		}

		payload := stripPrefix(line)
		if payload == DoneSentinel {
			d.done = true
			if d.onDone != nil {
				d.onDone()
			}
			return nil
		}

		if err := d.frame([]byte(payload)); err != nil {
			if isTruncated(err) && !terminated && d.tail == "" {
				d.tail = line
				continue
			}
			return err
		}
	}

	return nil
}

func stripPrefix(line string) string {
	for _, prefix := range framePrefixes {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return strings.TrimSpace(line)
}

// isTruncated reports whether err is the kind of JSON failure a frame
// cut mid-chunk produces.
func isTruncated(err error) bool {
	var syntax *json.SyntaxError
	return errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF)
}
