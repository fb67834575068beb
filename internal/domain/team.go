package domain

import "time"

// Team owns leases. Membership and accounts live outside this service.
type Team struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Banned    bool      `json:"banned"`
	CreatedAt time.Time `json:"created_at"`
}
