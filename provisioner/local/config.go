package local

import (
	"log/slog"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Tag is written to the managed-by label of every container
	Tag string
	// Images maps a normalized browser name to the node image to run
	Images map[string]string
	// Network the node containers join, so they can reach the hub
	Network string
}

var DefaultImages = map[string]string{
	"chrome":  "selenium/node-chrome:latest",
	"firefox": "selenium/node-firefox:latest",
	"edge":    "selenium/node-edge:latest",
}
