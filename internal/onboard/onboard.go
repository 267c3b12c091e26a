// Package onboard generates QR codes encoding the WebSocket join URL
// for a space/participant pair, so a human operator can hand a device
// a scannable code instead of typing a token (spec §4's onboarding
// convenience feature, supplementing the connection model).
package onboard

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// JoinURL builds the ws(s):// URL a client dials to join a space as a
// given participant with a bearer token, the same three values the
// gateway's WebSocket upgrade handler expects (spec §4's connect flow).
func JoinURL(publicBase, space, participantID, token string) (string, error) {
	u, err := url.Parse(publicBase)
	if err != nil {
		return "", fmt.Errorf("parse public_base_url: %w", err)
	}
	q := u.Query()
	q.Set("space", space)
	q.Set("participant_id", participantID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PNG renders a join URL as a QR code PNG at the given pixel size,
// suitable for serving directly from an onboarding HTTP endpoint.
func PNG(joinURL string, size int) ([]byte, error) {
	return qrcode.Encode(joinURL, qrcode.Medium, size)
}
