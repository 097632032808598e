// Package sync is the Sync Coordinator (spec §4.5): directional file
// sync between container volumes and a remote object store, mediated
// through an external sync subprocess (rclone-compatible argv) the
// same way the teacher shells out to its embedded containerd binary in
// pkg/embedded rather than linking a client library for everything.
package sync

import (
	"strings"

	"github.com/ferrohost/poolkeeper/pkg/types"
)

// SinkAdapter translates a SinkConfig into the subprocess-facing
// remote path and flag set for one sink type. New backends register
// themselves by type string in the package-level registry.
type SinkAdapter interface {
	// BuildRemotePath interpolates ${tenantId} into the sink's prefix
	// and joins it with sinkPath, normalizing slashes.
	BuildRemotePath(sink types.SinkConfig, tenantID, sinkPath string) string

	// Args returns the provider/endpoint/region/credential flags the
	// sync subprocess needs to address this sink. Falls back to
	// ambient environment credentials when the sink provides none.
	Args(sink types.SinkConfig) []string
}

var registry = map[string]SinkAdapter{}

// RegisterAdapter adds or replaces the adapter for a sink type.
func RegisterAdapter(sinkType string, adapter SinkAdapter) {
	registry[sinkType] = adapter
}

// AdapterFor looks up the adapter for sink.Type, or ok=false if none
// is registered.
func AdapterFor(sinkType string) (SinkAdapter, bool) {
	a, ok := registry[sinkType]
	return a, ok
}

func init() {
	RegisterAdapter("s3", NewS3Adapter())
}

// interpolateTenant replaces ${tenantId} in prefix with tenantID.
func interpolateTenant(prefix, tenantID string) string {
	return strings.ReplaceAll(prefix, "${tenantId}", tenantID)
}

// joinRemotePath normalizes slashes when joining a prefix with a
// sink-relative path.
func joinRemotePath(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}
