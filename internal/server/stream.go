package server

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/larderhq/larder/internal/agent"
)

// ndjsonStream writes newline-delimited JSON frames to a long-lived
// response, flushing after every frame.
type ndjsonStream struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	var f http.Flusher
	if fl, ok := w.(http.Flusher); ok {
		f = fl
	}
	return &ndjsonStream{w: w, f: f}
}

func (s *ndjsonStream) send(ev agent.Event) error {
	b, err := agent.EncodeEvent(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return errors.New("stream not ready")
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte{'\n'}); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
