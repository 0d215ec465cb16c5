package backend

import (
	"github.com/go-resty/resty/v2"

	"github.com/getlantern/authkeeper/common"
)

const (
	// Headers identifying the client to the backend.
	AppNameHeader       = "X-Authkeeper-App"
	VersionHeader       = "X-Authkeeper-Version"
	ClientVersionHeader = "X-Authkeeper-Client-Version"
	PlatformHeader      = "X-Authkeeper-Platform"
)

// stampHeaders is a resty request middleware adding the client identification and content
// negotiation headers to every request.
func stampHeaders(_ *resty.Client, req *resty.Request) error {
	req.Header.Set(AppNameHeader, common.Name)
	req.Header.Set(VersionHeader, common.Version)
	req.Header.Set(ClientVersionHeader, common.ClientVersion)
	req.Header.Set(PlatformHeader, common.Platform)
	req.Header.Set("Accept", "application/json")
	if req.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return nil
}
