package sniff

import (
	"encoding/binary"
	"strings"

	"github.com/miekg/dns"

	"github.com/rsclarke/flowgate/internal/rules"
)

// DNS extracts the queried name from a DNS query sent to port 53. TCP
// queries carry a two-byte length prefix.
func DNS(data []byte, port int, proto rules.IPProtocol) (Result, error) {
	if port != 53 {
		return Result{}, ErrHostnameUnresolved
	}
	if proto == rules.ProtocolTCP {
		if len(data) < 2 {
			return Result{}, ErrHostnameUnresolved
		}
		n := int(binary.BigEndian.Uint16(data))
		if n > len(data)-2 {
			return Result{}, ErrHostnameUnresolved
		}
		data = data[2 : 2+n]
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return Result{}, ErrHostnameUnresolved
	}
	if msg.Response || len(msg.Question) == 0 {
		return Result{}, ErrHostnameUnresolved
	}

	name := strings.TrimSuffix(strings.ToLower(msg.Question[0].Name), ".")
	if name == "" {
		return Result{}, ErrHostnameUnresolved
	}
	return Result{Hostname: name, Protocol: "dns"}, nil
}
