package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	errInvalidSDPType = errors.New("signaling: invalid session description type")
	errMissingSDP     = errors.New("signaling: missing session description sdp")
)

// parseSessionDescription decodes a client supplied {type, sdp} object and
// checks that it carries the expected type. With parseSDP set the SDP body is
// parsed as well; otherwise it is forwarded untouched.
func parseSessionDescription(raw json.RawMessage, want webrtc.SDPType, parseSDP bool) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if len(raw) == 0 {
		return sd, errMissingSDP
	}
	if err := json.Unmarshal(raw, &sd); err != nil {
		return sd, fmt.Errorf("%w: %w", errInvalidSDPType, err)
	}
	if sd.Type != want {
		return sd, fmt.Errorf("%w: got %q, want %q", errInvalidSDPType, sd.Type.String(), want.String())
	}
	if sd.SDP == "" {
		return sd, errMissingSDP
	}
	if parseSDP {
		if _, err := sd.Unmarshal(); err != nil {
			return sd, fmt.Errorf("signaling: malformed sdp: %w", err)
		}
	}
	return sd, nil
}
