package protocol

import "errors"

var ErrMalformedPacket = errors.New("protocol: malformed mutation packet")

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	ErrRateLimit = "E_RATE_LIMIT"
	ErrWorldBusy = "E_WORLD_BUSY"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrRateLimit:       {},
	ErrWorldBusy:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
