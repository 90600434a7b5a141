// Package model defines domain entities shared by the agent, the registry and the console.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued operator access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// Operator is a console account stored by the registry.
type Operator struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, Salt)
	Salt      []byte
	CreatedAt time.Time
}

// PositionPoint is one row of the local location log.
type PositionPoint struct {
	ID        int64
	DeviceID  string
	Latitude  float64
	Longitude float64
	Accuracy  float64 // metres, radius
	Timestamp int64   // epoch ms
	Date      string  // DD-MM-YYYY derived from Timestamp
	Time      string  // h:mm AM/PM derived from Timestamp
	Synced    bool
}

// LockSource names what raised a lock event.
type LockSource string

// Lock event sources.
const (
	SourceRemote     LockSource = "remote"
	SourceDueDate    LockSource = "due-date"
	SourceOfflinePIN LockSource = "offline-pin"
	SourceBoot       LockSource = "boot"
	SourcePush       LockSource = "push"
)

// DeviceDoc is a stored device document with its key.
type DeviceDoc struct {
	ID  string
	Doc Fields
}

// Push commands carried on the all_devices channel.
const (
	CommandLock   = "lock"
	CommandUnlock = "unlock"
)

// PushCommand is a wake-path message. An empty DeviceID addresses every device.
type PushCommand struct {
	Command  string `json:"command"`
	DeviceID string `json:"deviceId,omitempty"`
}
