package ws

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// WebSocketGUID is appended to the client key when computing Sec-WebSocket-Accept.
	WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// WebSocketVersion is the only protocol version this client speaks.
	WebSocketVersion = "13"

	// MaxHandshakeResponseSize bounds the server's response header block.
	MaxHandshakeResponseSize = 8192
)

var statusLine101 = regexp.MustCompile(`(?i)^HTTP/1\.\d\s+101(\s|$)`)

// NewHandshakeKey returns a base64-encoded 16-byte random nonce.
func NewHandshakeKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate handshake key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// ComputeAcceptKey returns the Sec-WebSocket-Accept value a server must send
// back for key.
func ComputeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// BuildHandshakeRequest renders the HTTP/1.1 upgrade request. The port is
// left out of the Host header when it is the default for the scheme. Extra
// headers are written in sorted order after the protocol headers.
func BuildHandshakeRequest(host string, port int, secure bool, path, key string, headers http.Header) []byte {
	if path == "" {
		path = "/"
	}
	hostHeader := host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		hostHeader = "[" + host + "]"
	}
	if (secure && port != 443) || (!secure && port != 80) {
		hostHeader += ":" + strconv.Itoa(port)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", hostHeader)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", WebSocketVersion)

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if reservedHandshakeHeader(name) {
			continue
		}
		for _, v := range headers[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, sanitizeHeaderValue(v))
		}
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func reservedHandshakeHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Host", "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version":
		return true
	}
	return false
}

func sanitizeHeaderValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// ReadHandshakeResponse reads the response header block one byte at a time
// so nothing past the terminating CRLFCRLF is consumed from r.
func ReadHandshakeResponse(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 512)
	var one [1]byte
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			werr := classifyReadError(err, "read handshake response")
			if werr.Kind == KindFrameDecode || werr.Kind == KindPeerClosed {
				werr.Kind = KindHandshake
			}
			return nil, werr
		}
		buf = append(buf, one[0])
		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			return buf, nil
		}
		if len(buf) >= MaxHandshakeResponseSize {
			return nil, newError(KindHandshake, fmt.Sprintf("response headers exceed %d bytes", MaxHandshakeResponseSize), nil)
		}
	}
}

// ValidateHandshakeResponse checks the raw response header block against the
// key sent in the request.
func ValidateHandshakeResponse(raw []byte, key string) error {
	text := string(raw)
	statusLine, rest, _ := strings.Cut(text, "\r\n")
	if !statusLine101.MatchString(statusLine) {
		return newError(KindHandshake, fmt.Sprintf("unexpected status line %q", statusLine), nil)
	}

	if upgrade, _ := headerValue(rest, "Upgrade"); !strings.EqualFold(upgrade, "websocket") {
		return newError(KindHandshake, fmt.Sprintf("Upgrade header is %q, want websocket", upgrade), nil)
	}
	if connection, _ := headerValue(rest, "Connection"); !hasToken(connection, "upgrade") {
		return newError(KindHandshake, fmt.Sprintf("Connection header %q lacks the upgrade token", connection), nil)
	}

	accept, ok := headerValue(rest, "Sec-WebSocket-Accept")
	if !ok {
		return newError(KindHandshake, "missing Sec-WebSocket-Accept header", nil)
	}
	if accept != ComputeAcceptKey(key) {
		return newError(KindHandshake, "Sec-WebSocket-Accept mismatch", nil)
	}
	return nil
}

// headerValue finds the first header named name (case-insensitive) in an
// HTTP header block and returns its value with surrounding whitespace trimmed.
func headerValue(block, name string) (string, bool) {
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// hasToken reports whether a comma-separated header value contains token,
// compared case-insensitively.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
