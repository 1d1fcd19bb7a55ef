package relay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxHeadBytes = 1 << 20

var errHeadTooLarge = errors.New("response head too large")

// readRawLine returns the next line from br including its line ending.
func readRawLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxHeadBytes {
			return nil, errHeadTooLarge
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// readResponseHead reads one response head from br exactly as sent and
// parses it. Nothing past the blank line is consumed.
func readResponseHead(br *bufio.Reader, req *http.Request) (*http.Response, []byte, error) {
	var head []byte
	for {
		line, err := readRawLine(br)
		if err != nil {
			return nil, nil, fmt.Errorf("upstream response read: %w", err)
		}
		head = append(head, line...)
		if len(head) > maxHeadBytes {
			return nil, nil, fmt.Errorf("upstream response read: %w", errHeadTooLarge)
		}
		if isBlankLine(line) {
			break
		}
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream response parse: %w", err)
	}
	return resp, head, nil
}

// relayBody copies the body that follows resp's head from br to w without
// altering its framing. It reports whether the upstream connection is still
// usable afterwards.
func relayBody(w io.Writer, br *bufio.Reader, req *http.Request, resp *http.Response) (bool, error) {
	switch {
	case resp.StatusCode == http.StatusSwitchingProtocols:
		return false, nil
	case req.Method == http.MethodHead || resp.StatusCode/100 == 1 ||
		resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified:
		return true, nil
	case len(resp.TransferEncoding) > 0 && resp.TransferEncoding[0] == "chunked":
		return true, copyChunked(w, br)
	case resp.ContentLength >= 0:
		_, err := io.CopyN(w, br, resp.ContentLength)
		return true, err
	default:
		// Delimited by the upstream closing.
		_, err := io.Copy(w, br)
		return false, err
	}
}

func copyChunked(w io.Writer, br *bufio.Reader) error {
	for {
		line, err := readRawLine(br)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		size, err := chunkSize(line)
		if err != nil {
			return err
		}
		if size == 0 {
			return copyTrailer(w, br)
		}
		if _, err := io.CopyN(w, br, size); err != nil {
			return err
		}
		crlf, err := readRawLine(br)
		if err != nil {
			return err
		}
		if !isBlankLine(crlf) {
			return errors.New("chunk not terminated by CRLF")
		}
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}
}

func copyTrailer(w io.Writer, br *bufio.Reader) error {
	for {
		line, err := readRawLine(br)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if isBlankLine(line) {
			return nil
		}
	}
}

func chunkSize(line []byte) (int64, error) {
	s := strings.TrimRight(string(line), "\r\n")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad chunk size %q", s)
	}
	return n, nil
}
