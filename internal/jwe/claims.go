package jwe

import "time"

// Claims is the payload encrypted into every agent token (spec.md §4.3):
// standard registered claims plus hetuflow's own server_id/permissions.
type Claims struct {
	Issuer      string    `json:"iss"`
	Subject     string    `json:"sub"` // agent_id
	Audience    string    `json:"aud"`
	IssuedAt    time.Time `json:"iat"`
	NotBefore   time.Time `json:"nbf"`
	Expiry      time.Time `json:"exp"`
	JTI         string    `json:"jti"`
	ServerID    string    `json:"server_id"`
	Permissions []string  `json:"permissions,omitempty"`
}
