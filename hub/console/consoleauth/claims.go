// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package consoleauth

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Claims is the token payload.
type Claims struct {
	UserID     uuid.UUID `json:"userId"`
	Username   string    `json:"username"`
	Roles      []string  `json:"roles"`
	Expiration time.Time `json:"expiration"`
}

// JSON returns the JSON encoding of the claims.
func (c *Claims) JSON() ([]byte, error) {
	data, err := json.Marshal(c)
	return data, Error.Wrap(err)
}

// FromJSON parses claims from their JSON encoding.
func FromJSON(data []byte) (*Claims, error) {
	claims := &Claims{}
	if err := json.Unmarshal(data, claims); err != nil {
		return nil, Error.Wrap(err)
	}
	return claims, nil
}
