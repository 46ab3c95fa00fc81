package transport

import (
	"fmt"
	"net"
	"strconv"
)

// nonRoutableHost is the conventional host meaning "known but not yet
// routable". Endpoints with this host are skipped, never dialed.
const nonRoutableHost = "0.0.0.0"

// --------------------------------------------------------------------------
// Address Spec
// --------------------------------------------------------------------------

// AddressSpec is the parsed address of a voter. A spec is either routable,
// explicitly non-routable (host 0.0.0.0) or invalid; invalid specs never
// reach this type, they fail in ParseAddressSpec.
type AddressSpec struct {
	Host string
	Port int
}

// Routable returns true if the spec points to a dialable endpoint
func (a AddressSpec) Routable() bool {
	return a.Host != "" && a.Host != nonRoutableHost && a.Port > 0
}

// String returns the spec in "host:port" form
func (a AddressSpec) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddressSpec parses a "host:port" voter address. Malformed input is
// returned as an error; the caller decides whether that is fatal (it is not
// during startup, where invalid entries are skipped with a warning).
func ParseAddressSpec(s string) (AddressSpec, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return AddressSpec{}, fmt.Errorf("invalid address spec %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return AddressSpec{}, fmt.Errorf("invalid port in address spec %q", s)
	}

	if host == "" {
		return AddressSpec{}, fmt.Errorf("empty host in address spec %q", s)
	}

	return AddressSpec{Host: host, Port: port}, nil
}
