// Package version holds build metadata injected via -ldflags, in the
// style of the teacher's internal/version package (referenced from
// cmd/gateway/main.go but left for the linker to populate at release
// build time).
package version

var (
	// Value is the gateway's version string, set via:
	//   -ldflags "-X github.com/fabian4/gatewayproxy/internal/version.Value=v1.2.3"
	Value = "dev"

	// Commit is the source revision the binary was built from.
	Commit = "unknown"
)

// String renders the full version line shown by `gatewayproxy --version`.
func String() string {
	return Value + " (" + Commit + ")"
}
