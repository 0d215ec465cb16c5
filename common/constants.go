package common

import (
	"runtime"
	"time"
)

const (
	Name = "authkeeper"

	// Placeholders to use in the request headers.
	ClientVersion = "1.0.0"
	Version       = "1.0.0"

	Platform = runtime.GOOS

	// filenames
	LogFileName         = "authkeeper.log"
	ConfigFileName      = "authkeeper.yaml"
	CredentialsFileName = "credentials.json"

	DefaultHTTPTimeout    = 10 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)
