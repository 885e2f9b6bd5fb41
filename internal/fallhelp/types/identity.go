package types

import "strings"

// Identity is what the live connection authenticates as.  At least one of
// the two ids must be set.
type Identity struct {
	UserID  string `json:"userId,omitempty" yaml:"user_id"`
	ElderID string `json:"elderId,omitempty" yaml:"elder_id"`
}

func (i Identity) Normalize() Identity {
	return Identity{
		UserID:  strings.TrimSpace(i.UserID),
		ElderID: strings.TrimSpace(i.ElderID),
	}
}

func (i Identity) IsZero() bool {
	n := i.Normalize()
	return n.UserID == "" && n.ElderID == ""
}

func (i Identity) String() string {
	n := i.Normalize()
	switch {
	case n.UserID != "" && n.ElderID != "":
		return "user=" + n.UserID + " elder=" + n.ElderID
	case n.UserID != "":
		return "user=" + n.UserID
	case n.ElderID != "":
		return "elder=" + n.ElderID
	default:
		return "anonymous"
	}
}

// AuthenticateRequest is sent as the "authenticate" event right after open.
type AuthenticateRequest struct {
	UserID  string `json:"userId,omitempty"`
	ElderID string `json:"elderId,omitempty"`
}

// AuthenticatedAck is the server's reply to AuthenticateRequest.
type AuthenticatedAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
