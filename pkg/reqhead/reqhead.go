// Package reqhead implements the Request Reader: a single bounded read of
// an HTTP/1.x request head off a client connection, normalized into a
// Request the Agent can classify and forward.
package reqhead

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"

	"github.com/lmika/veilproxy/pkg/buffer"
	"github.com/lmika/veilproxy/pkg/constants"
	"github.com/lmika/veilproxy/pkg/errors"
)

var allowedMethods = map[string]bool{
	"OPTIONS": true, "GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "TRACE": true, "CONNECT": true, "PATCH": true,
}

var allowedVersions = map[string]bool{
	"HTTP/0.9": true, "HTTP/1.0": true, "HTTP/1.1": true, "HTTP/2.0": true, "HTTP/3.0": true,
}

// Request is the parsed, normalized client request head.
type Request struct {
	Method    string
	Version   string
	TargetURL string
	Host      string

	raw *buffer.Buffer
}

// RawHead returns the exact bytes of the request head as read from the
// wire, up to and including the header terminator.
func (r *Request) RawHead() ([]byte, error) {
	if !r.raw.IsSpilled() {
		return r.raw.Bytes(), nil
	}
	rdr, err := r.raw.Reader()
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	return io.ReadAll(rdr)
}

// WriteTo forwards the raw request head verbatim onto w, used by the Agent
// to forward the client's request to the chosen next hop.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	rdr, err := r.raw.Reader()
	if err != nil {
		return 0, err
	}
	defer rdr.Close()
	return io.Copy(w, rdr)
}

// Close releases any resources (e.g. a spilled temp file) backing the
// captured raw head.
func (r *Request) Close() error {
	return r.raw.Close()
}

// Read performs one timed read of up to bufSize bytes from conn and parses
// the result as an HTTP/1.x request head. No second read is attempted: if
// the head does not terminate within the bytes read, this is a Parse error.
func Read(conn net.Conn, bufSize int, timeout time.Duration) (*Request, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.NewIOError("setting read deadline", err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, bufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, errors.FromIOErr("read request", err)
	}

	return parse(buf[:n])
}

func parse(data []byte) (*Request, error) {
	raw := buffer.New(constants.DefaultBodyMemLimit)
	reader := bufio.NewReader(bytes.NewReader(data))

	requestLine, err := readLine(reader, raw)
	if err != nil {
		return nil, errors.NewParseError("reading request line", err)
	}

	method, target, version, err := parseRequestLine(requestLine)
	if err != nil {
		return nil, err
	}

	headers, err := readHeaders(reader, raw)
	if err != nil {
		return nil, err
	}

	host, err := resolveHost(headers)
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:    method,
		Version:   version,
		TargetURL: normalizeTargetURL(target),
		Host:      host,
		raw:       raw,
	}, nil
}

// readLine reads one CRLF-or-LF-terminated line, writing the exact bytes
// consumed into raw so the caller keeps an immutable copy of the wire
// bytes, and returns the line with its terminator stripped.
func readLine(r *bufio.Reader, raw *buffer.Buffer) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if _, werr := raw.Write([]byte(line)); werr != nil {
		return "", werr
	}
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

func parseRequestLine(line string) (method, target, version string, err *errors.Error) {
	parts := strings.SplitN(line, " ", 3)

	if len(parts) < 1 || parts[0] == "" {
		return "", "", "", errors.NewBadRequestError("METHOD")
	}
	method = parts[0]
	if !allowedMethods[method] {
		return "", "", "", errors.NewBadRequestError("METHOD")
	}

	if len(parts) < 2 || parts[1] == "" {
		return "", "", "", errors.NewBadRequestError("PATH")
	}
	target = parts[1]

	if len(parts) < 3 || parts[2] == "" {
		return "", "", "", errors.NewBadRequestError("VERSION")
	}
	versionTok := strings.TrimSpace(parts[2])
	if !allowedVersions[versionTok] {
		return "", "", "", errors.NewBadRequestError("VERSION")
	}
	version = versionTok

	return method, target, version, nil
}

// readHeaders reads the header block up to and including the terminating
// blank line, accumulating the exact bytes into raw.
func readHeaders(reader *bufio.Reader, raw *buffer.Buffer) (map[string][]string, error) {
	headers := make(map[string][]string)
	var lastKey string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, errors.NewParseError("incomplete request head", err)
		}
		if _, werr := raw.Write([]byte(line)); werr != nil {
			return nil, werr
		}

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + strings.TrimSpace(trimmed)
			continue
		}

		kv := strings.SplitN(trimmed, ":", 2)
		if len(kv) != 2 {
			continue
		}

		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return headers, nil
}

func resolveHost(headers map[string][]string) (string, error) {
	vals, ok := headers["Host"]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return "", errors.NewBadRequestError("Host")
	}

	host := vals[0]
	if !utf8.ValidString(host) || !httpguts.ValidHeaderFieldValue(host) {
		return "", errors.NewBadRequestError("Host")
	}

	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host, nil
}

// normalizeTargetURL derives an absolute target_url from the request
// target. A target that already contains "://" is accepted as-is;
// otherwise the scheme is synthesized from the trailing port so the
// filter engine always sees a canonical URL.
func normalizeTargetURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}

	scheme := "http"
	if idx := strings.LastIndex(target, ":"); idx != -1 {
		switch target[idx+1:] {
		case "443":
			scheme = "https"
		case "21":
			scheme = "ftp"
		default:
			scheme = "http"
		}
	}

	return scheme + "://" + target
}
