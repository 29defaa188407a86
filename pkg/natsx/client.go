package natsx

import (
	"github.com/nats-io/nats.go"
)

// NewClient connects to the NATS server at url. When no options are given
// the connection is named "grimoire" and compression is enabled.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("grimoire"), nats.Compression(true))
	}
	return nats.Connect(url, opts...)
}
