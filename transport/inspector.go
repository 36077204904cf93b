package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/efecan0/binaryrpc-framework/session"
)

// DefaultInspector reads the client identity from upgrade headers:
// x-client-id (required), x-device-id (optional decimal; a non-digit
// prefix is tolerated and the numeric suffix parsed) and x-session-token
// (optional, 32 lowercase hex characters).
type DefaultInspector struct{}

// NewDefaultInspector creates the header-based inspector.
func NewDefaultInspector() *DefaultInspector {
	return &DefaultInspector{}
}

var (
	errMissingClientID = errors.New("missing x-client-id header")
	errBadDeviceID     = errors.New("invalid x-device-id header")
	errBadToken        = errors.New("invalid x-session-token header")
)

func (i *DefaultInspector) Extract(r *http.Request) (session.Identity, error) {
	clientID := r.Header.Get("x-client-id")
	if clientID == "" {
		return session.Identity{}, errMissingClientID
	}

	var deviceID uint64
	if didTxt := r.Header.Get("x-device-id"); didTxt != "" {
		start := strings.IndexAny(didTxt, "0123456789")
		if start < 0 {
			return session.Identity{}, fmt.Errorf("device id %q has no numeric part: %w", didTxt, errBadDeviceID)
		}
		did, err := strconv.ParseUint(didTxt[start:], 10, 64)
		if err != nil {
			return session.Identity{}, fmt.Errorf("device id %q: %w", didTxt, errBadDeviceID)
		}
		deviceID = did
	}

	var token session.Token
	if tokTxt := r.Header.Get("x-session-token"); tokTxt != "" {
		tok, ok := session.ParseToken(tokTxt)
		if !ok {
			return session.Identity{}, fmt.Errorf("session token %q: %w", tokTxt, errBadToken)
		}
		token = tok
	}

	return session.Identity{ClientID: clientID, DeviceID: deviceID, Token: token}, nil
}

func (i *DefaultInspector) RejectReason() string {
	return "Invalid handshake data"
}
