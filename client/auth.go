package client

import (
	"encoding/base64"
	"net/http"
)

// apply sets the Authorization (or custom) headers for c's credential kind
// on req (spec §6 "Authentication").
func (c Credentials) apply(req *http.Request) {
	switch c.Kind {
	case CredBasic:
		token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		req.Header.Set("Authorization", "Basic "+token)
	case CredBearer:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case CredHeaders:
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}
	case CredNone:
		// no-op
	}
}

// header builds an http.Header suitable for the streaming channel's
// handshake. Go's websocket.Dialer always supports custom handshake headers
// (unlike the source SDK's browser environment, where the fallback to
// polling is driven by the transport's inability to set headers — spec §4.2,
// §6, §9 open question (a) is moot here because Go never hits that case; the
// polling fallback this package implements is driven solely by channel open
// failure, per spec §4.2 "Polling fallback").
func (c Credentials) header() http.Header {
	h := make(http.Header)
	switch c.Kind {
	case CredBasic:
		token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		h.Set("Authorization", "Basic "+token)
	case CredBearer:
		h.Set("Authorization", "Bearer "+c.Token)
	case CredHeaders:
		for k, v := range c.Headers {
			h.Set(k, v)
		}
	}
	return h
}
