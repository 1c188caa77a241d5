package gateway

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseReader reads server-sent event frames from a response body.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(body)}
}

// Next returns the data payload of the next frame. Multi-line data fields are
// joined with newlines. io.EOF is returned when the stream ends or a
// "[DONE]" sentinel arrives.
func (s *sseReader) Next() ([]byte, error) {
	var data bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				return s.payload(data.Bytes())
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if data.Len() == 0 {
				return nil, io.EOF
			}
			return s.payload(data.Bytes())
		}
	}
}

func (s *sseReader) payload(b []byte) ([]byte, error) {
	if strings.TrimSpace(string(b)) == "[DONE]" {
		return nil, io.EOF
	}
	return b, nil
}
