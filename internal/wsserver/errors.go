package wsserver

import "errors"

var (
	errBufferFull = errors.New("wsserver: client send buffer full")
	errSlowClient = errors.New("wsserver: client disconnected for failing to drain send buffer")
)
