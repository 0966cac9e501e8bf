package chatclient

import "fmt"

// Endpoint derives the websocket URL from the page's own host and transport
// security: a console served over https talks wss, plain http talks ws.
// A convenience, not part of the protocol contract.
func Endpoint(host string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, host)
}
