// Package constants defines the default values for veilproxy's CLI flags
// and internal limits.
package constants

import "time"

// CLI defaults, matching the flag table in the design.
const (
	DefaultPort      = 9000
	DefaultBufSize   = 1024
	DefaultTimeout   = 15 * time.Second
	DefaultFilterURL = "https://raw.githubusercontent.com/gfwlist/gfwlist/master/gfwlist.txt"
	DefaultLogLevel  = "info"
	ListenHost       = "127.0.0.1"
)

// NoTimeout is the sentinel passed when --timeout resolves to "effectively
// none": no read/write/connect deadline is ever set on the connection.
const NoTimeout time.Duration = 0

// Buffer limits for the captured request head.
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB, buffer.DefaultMemoryLimit mirror
)
