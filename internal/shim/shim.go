// Package shim embeds the script that proxied pages load to keep the
// browser's own navigation, fetches and sockets inside the proxy.
package shim

import (
	_ "embed"
	"net/http"
)

// ContentType is the media type the hook is served with.
const ContentType = "application/javascript; charset=utf-8"

//go:embed client_hook.js
var clientHook []byte

// Script returns the client hook source.
func Script() []byte {
	return clientHook
}

// ServeHTTP writes the client hook.
func ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(Script())
}
