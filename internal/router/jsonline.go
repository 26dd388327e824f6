package router

import (
	"encoding/json"
	"io"
)

// writeJSONLine marshals v and writes it followed by a newline, matching
// the newline-delimited framing used by the transport.
func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
