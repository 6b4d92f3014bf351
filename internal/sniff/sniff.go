// Package sniff recovers a flow's destination hostname and URL from the
// first outbound bytes of a connection.
package sniff

import (
	"errors"

	"github.com/rsclarke/flowgate/internal/rules"
)

// ErrHostnameUnresolved is returned when no sniffer recognizes the bytes.
var ErrHostnameUnresolved = errors.New("hostname unresolved")

// Result is what a sniffer learned about a flow. URL is empty when the
// protocol does not expose one.
type Result struct {
	Hostname string
	URL      string
	Protocol string
}

// Sniffer inspects the first outbound bytes of a flow.
type Sniffer interface {
	Sniff(data []byte, port int, proto rules.IPProtocol) (Result, error)
}

// Func adapts a function to Sniffer.
type Func func(data []byte, port int, proto rules.IPProtocol) (Result, error)

func (f Func) Sniff(data []byte, port int, proto rules.IPProtocol) (Result, error) {
	return f(data, port, proto)
}

// Chain tries each sniffer in order and returns the first hostname found.
type Chain []Sniffer

func (c Chain) Sniff(data []byte, port int, proto rules.IPProtocol) (Result, error) {
	for _, s := range c {
		res, err := s.Sniff(data, port, proto)
		if err == nil && res.Hostname != "" {
			return res, nil
		}
	}
	return Result{}, ErrHostnameUnresolved
}

// Default returns the sniffer used for live flows: DNS queries, TLS
// ClientHello SNI and plaintext HTTP requests.
func Default() Sniffer {
	return Chain{Func(DNS), Func(TLS), Func(HTTP)}
}
