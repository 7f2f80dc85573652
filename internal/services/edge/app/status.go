package server

import "github.com/noncefirewall/portfolio/internal/services/edge/cachestore"

// StatusView is the data behind GET /_edge/status.
type StatusView struct {
	Enabled bool                    `json:"enabled"`
	State   string                  `json:"state"`
	Version string                  `json:"version,omitempty"`
	Clients int                     `json:"clients"`
	Stores  []cachestore.StoreStats `json:"stores"`
}

func versionLabel(version string) string {
	if version == "" {
		return "none"
	}
	return version
}
