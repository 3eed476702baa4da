// Package version holds the build-identity strings cmd/virtio-forwarderd's
// -version flag prints, the same pattern as the teacher's own version
// package (src/version) used from cmd/minimega/main.go.
package version

// Revision and Date are meant to be overridden at build time via
// -ldflags "-X github.com/Netronome/virtio-forwarder/internal/version.Revision=...".
var (
	Revision = "unknown"
	Date     = "unknown"
)

// Copyright is printed alongside the version banner.
const Copyright = `virtio-forwarderd is a userspace data-plane relay between a
virtio ring and a NIC port or VF bond.`
