package hostexec

import (
	"bytes"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// outputSink captures a stream and mirrors complete lines to the logger.
type outputSink struct {
	log    *logrus.Entry
	stream string

	mu      sync.Mutex
	capture strings.Builder
	pending bytes.Buffer
}

func newOutputSink(log *logrus.Entry, stream string) *outputSink {
	return &outputSink{log: log, stream: stream}
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capture.Write(p)
	s.pending.Write(p)
	for {
		line, err := s.pending.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			s.pending.Reset()
			s.pending.WriteString(line)
			break
		}
		s.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// String flushes any partial line and returns everything captured.
func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() > 0 {
		s.emit(s.pending.String())
		s.pending.Reset()
	}
	return s.capture.String()
}

func (s *outputSink) emit(line string) {
	if line == "" {
		return
	}
	s.log.WithField("stream", s.stream).Debug(line)
}
