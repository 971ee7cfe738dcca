// Package version holds the release version of the enricher binary.
package version

// Current is the released version, without a "v" prefix.
const Current = "0.1.0"

// UserAgent identifies outbound API requests.
func UserAgent() string {
	return "signup-enricher/" + Current
}
