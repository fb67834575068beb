// Package domain contains core domain types for the Atlas CTF service.
package domain

import (
	"time"
)

// Lease is one active ephemeral challenge container bound to a team and a
// challenge. Absence of a record means the container is not running.
type Lease struct {
	ContainerID string
	TeamID      int64
	ChallengeID int64
	Host        string
	Port        int
	SSHUser     string
	SSHPassword string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsExpired reports whether a lease created at createdAt has outlived
// duration at instant now.
func IsExpired(createdAt, now time.Time, duration time.Duration) bool {
	return now.Sub(createdAt) > duration
}

// Expired reports whether the lease has outlived duration at instant now.
func (l *Lease) Expired(now time.Time, duration time.Duration) bool {
	return IsExpired(l.CreatedAt, now, duration)
}

// ConnectionInfo returns what a team needs to reach the container.
// The SSH user is omitted when the challenge defines no login name.
func (l *Lease) ConnectionInfo() *ConnectionInfo {
	return &ConnectionInfo{
		Host:        l.Host,
		Port:        l.Port,
		SSHUser:     l.SSHUser,
		SSHPassword: l.SSHPassword,
		CreatedAt:   l.CreatedAt,
	}
}

// ConnectionInfo is the response returned to a team for a live lease.
type ConnectionInfo struct {
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	SSHUser     string    `json:"ssh_user,omitempty"`
	SSHPassword string    `json:"ssh_password"`
	CreatedAt   time.Time `json:"created_at"`
}

// TeamRef names a team in administrative listings.
type TeamRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ChallengeRef names a challenge in administrative listings.
type ChallengeRef struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// LeaseSummary is the administrative view of a lease.
type LeaseSummary struct {
	Team          TeamRef       `json:"team"`
	Challenge     ChallengeRef  `json:"challenge"`
	ContainerID   string        `json:"container_id"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	SSHUser       string        `json:"ssh_user"`
	SSHPassword   string        `json:"ssh_password"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LeaseDuration time.Duration `json:"-"`
	Expired       bool          `json:"expired"`
}
