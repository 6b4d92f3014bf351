package sniff

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"strings"

	"github.com/rsclarke/flowgate/internal/rules"
)

var headerEnd = []byte("\r\n\r\n")

// HTTP extracts the host and request URL from a plaintext HTTP/1.x request.
// A header block cut off mid-stream is parsed up to its last complete line.
func HTTP(data []byte, port int, proto rules.IPProtocol) (Result, error) {
	if proto == rules.ProtocolUDP || !looksLikeHTTP(data) {
		return Result{}, ErrHostnameUnresolved
	}

	if !bytes.Contains(data, headerEnd) {
		i := bytes.LastIndex(data, []byte("\r\n"))
		if i < 0 {
			return Result{}, ErrHostnameUnresolved
		}
		data = append(append([]byte{}, data[:i]...), headerEnd...)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return Result{}, ErrHostnameUnresolved
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return Result{}, ErrHostnameUnresolved
	}

	u := *req.URL
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if u.Host == "" {
		u.Host = req.Host
	}
	return Result{Hostname: strings.ToLower(host), URL: u.String(), Protocol: "http"}, nil
}

func looksLikeHTTP(data []byte) bool {
	sp := bytes.IndexByte(data, ' ')
	if sp <= 0 || sp > 8 {
		return false
	}
	switch string(data[:sp]) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return true
	}
	return false
}
