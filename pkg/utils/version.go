// Package utils provides bespoke, one off utils that don't make sense to be
// their own package
package utils

import "fmt"

// Build stamps, set with -ldflags "-X".
var (
	Version   = "dev"
	Sha       = "HEAD"
	Buildtime = "dev"
)

// BuildInfo renders the build stamps on one line.
func BuildInfo() string {
	return fmt.Sprintf("chatbridge %s (%s, built %s)", Version, Sha, Buildtime)
}
