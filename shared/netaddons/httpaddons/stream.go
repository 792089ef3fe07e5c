// Package httpaddons carries framed messages over a long lived, streamed HTTP response.
//
// Every frame is a header line "=-=-=-=-=-=-=-=-=,<size>\r\n" followed by size bytes of payload.
package httpaddons

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	frameStarter = "=-=-=-=-=-=-=-=-="
	splitter     = ","
	lineEnd      = "\r\n"

	MaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrEmptyFrame    = errors.New("frame is empty")
	ErrFrameTooLarge = errors.New("frame is oversize")
	ErrBadHeader     = errors.New("illegal frame header")
)

// WriteFrame writes data as one frame and flushes w if it is an http.Flusher.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if _, err := io.WriteString(w, headerLine(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// ReadFrame blocks until the next frame is complete. io.EOF means the stream ended between frames.
func ReadFrame(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	size, err := parseHeaderLine(line)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(reader, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

func headerLine(size int) string {
	return fmt.Sprint(frameStarter, splitter, size, lineEnd)
}

func parseHeaderLine(line string) (int, error) {
	splits := strings.Split(strings.TrimSpace(line), splitter)
	if len(splits) != 2 || splits[0] != frameStarter {
		return 0, fmt.Errorf("%w: %q", ErrBadHeader, line)
	}
	size, err := strconv.Atoi(splits[1])
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadHeader, line)
	}
	if size > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	return size, nil
}
