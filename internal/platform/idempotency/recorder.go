package idempotency

import (
	"bytes"
	"net/http"
)

// responseRecorder buffers a handler's response so it can be stored before reaching the client.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 && status > 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(data)
}

func (r *responseRecorder) response() Response {
	resp := Response{Status: r.status, Headers: r.header.Clone()}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if r.body.Len() > 0 {
		resp.Body = bytes.Clone(r.body.Bytes())
	}
	return resp
}

// flushTo copies the buffered response onto w, replacing any headers already set there.
func (r *responseRecorder) flushTo(w http.ResponseWriter) error {
	resp := r.response()
	dst := w.Header()
	clear(dst)
	for name, values := range resp.Headers {
		dst[name] = values
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := w.Write(resp.Body)
	return err
}
