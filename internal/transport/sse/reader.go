package sse

import (
	"bufio"
	"bytes"
	"io"
)

const maxLineSize = 64 * 1024

type frame struct {
	event string
	id    string
	data  []byte
}

type reader struct {
	r *bufio.Reader
}

func newReader(r io.Reader) *reader {
	return &reader{r: bufio.NewReaderSize(r, maxLineSize)}
}

// next returns the next frame with data. Comment lines and frames without
// data are skipped.
func (s *reader) next() (frame, error) {
	var (
		f     frame
		lines [][]byte
	)

	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(lines) > 0 {
				f.data = bytes.Join(lines, []byte("\n"))
				return f, nil
			}
			return frame{}, err
		}

		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if len(lines) > 0 {
				f.data = bytes.Join(lines, []byte("\n"))
				return f, nil
			}
			f = frame{}
		case line[0] == ':':
			// keep-alive comment
		case bytes.HasPrefix(line, []byte("event:")):
			f.event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("id:")):
			f.id = string(bytes.TrimSpace(line[len("id:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[len("data:"):]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			lines = append(lines, data)
		}
	}
}
