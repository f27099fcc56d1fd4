package domain

import (
	"encoding/json"
	"time"
)

// UserRef is either a known user id or a guest. The zero value is a guest.
type UserRef struct {
	id string
}

func GuestUser() UserRef {
	return UserRef{}
}

func KnownUser(id string) UserRef {
	return UserRef{id: id}
}

func (u UserRef) IsGuest() bool {
	return u.id == ""
}

// ID returns the user id and whether one is set.
func (u UserRef) ID() (string, bool) {
	return u.id, u.id != ""
}

func (u UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Guest bool   `json:"guest"`
		ID    string `json:"id,omitempty"`
	}{Guest: u.IsGuest(), ID: u.id})
}

// Resolution tells which branch the identity resolver took.
type Resolution string

const (
	ResolutionProvisioned Resolution = "provisioned"
	ResolutionExisting    Resolution = "existing"
	ResolutionReactivated Resolution = "reactivated"
	ResolutionGuest       Resolution = "guest"
)

type User struct {
	ID                    string
	Email                 string
	FirstName             string
	LastName              string
	Phone                 string
	Country               string
	IsActive              bool
	IsVerified            bool
	ReactivationToken     string
	ReactivationExpiresAt *time.Time
	CreatedAt             time.Time
}
