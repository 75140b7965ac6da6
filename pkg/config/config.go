// Package config parses the veilproxy CLI into a resolved Config.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/lmika/veilproxy/pkg/constants"
	"github.com/lmika/veilproxy/pkg/upstream"
)

// Config is the fully resolved runtime configuration, produced once by
// Parse and handed to the Agent/Server.
type Config struct {
	Remote    string
	Upstream  upstream.Kind
	Port      int
	FilterURL string
	BufSize   int
	Timeout   time.Duration
	PlainText bool
}

// Parse builds a FlagSet matching the CLI surface in the design (REMOTE
// positional plus --port/-p, --filter-url/-f, --buf-size, --timeout/-t,
// --plain-text), validates REMOTE's scheme, and returns the resolved
// Config.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("veilproxy", pflag.ContinueOnError)

	port := fs.IntP("port", "p", constants.DefaultPort, "listen port")
	filterURL := fs.StringP("filter-url", "f", constants.DefaultFilterURL, "filter list URL")
	bufSize := fs.Int("buf-size", constants.DefaultBufSize, "request head read buffer size, in bytes")
	timeoutSecs := fs.IntP("timeout", "t", int(constants.DefaultTimeout/time.Second), "per-operation I/O timeout, in seconds (0 = none)")
	plainText := fs.Bool("plain-text", false, "load the filter list without base64 decoding")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() < 1 {
		return nil, fmt.Errorf("missing required argument REMOTE")
	}
	remoteArg := fs.Arg(0)

	remoteURL, err := url.Parse(remoteArg)
	if err != nil {
		return nil, fmt.Errorf("parsing REMOTE %q: %w", remoteArg, err)
	}

	kind, err := upstream.NewKind(remoteURL)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(*timeoutSecs) * time.Second
	if *timeoutSecs <= 0 {
		timeout = constants.NoTimeout
	}

	return &Config{
		Remote:    remoteArg,
		Upstream:  kind,
		Port:      *port,
		FilterURL: *filterURL,
		BufSize:   *bufSize,
		Timeout:   timeout,
		PlainText: *plainText,
	}, nil
}

// ListenAddr returns the address the server binds, always on loopback.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", constants.ListenHost, c.Port)
}
