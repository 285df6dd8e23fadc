// Package buildinfo carries the identity of a corvid binary. The Makefile
// stamps Version, Commit and Date through -ldflags -X; a plain `go build`
// leaves the placeholders below. `corvid version` prints them and the
// metrics endpoint labels its build gauge with them.
package buildinfo

// Stamped at link time.
var (
	Version = "dev"
	Commit  = "unknown"
	// Date is RFC3339 in UTC.
	Date = "unknown"
)
