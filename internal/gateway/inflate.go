package gateway

import (
	"compress/zlib"
	"io"

	"github.com/goccy/go-json"
)

// streamDecoder undoes zlib-stream transport compression. The server keeps
// one deflate context for the life of the socket, so every binary frame is
// fed into the same zlib reader through a pipe and payloads are decoded off
// the far end as soon as they are complete.
type streamDecoder struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newStreamDecoder() *streamDecoder {
	pr, pw := io.Pipe()
	return &streamDecoder{pr: pr, pw: pw}
}

// Write feeds one binary frame. It blocks until the decoder has consumed it.
func (d *streamDecoder) Write(frame []byte) error {
	_, err := d.pw.Write(frame)
	return err
}

// Close ends the stream; run returns once the buffered input is drained.
func (d *streamDecoder) Close() {
	d.pw.Close()
}

// run decodes payloads until the stream ends or emit returns false.
func (d *streamDecoder) run(emit func(*Payload) bool) (err error) {
	defer func() { d.pr.CloseWithError(err) }()

	zr, err := zlib.NewReader(d.pr)
	if err != nil {
		return err
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var p Payload
		if err := dec.Decode(&p); err != nil {
			return err
		}
		if !emit(&p) {
			return nil
		}
	}
}
