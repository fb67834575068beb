package domain

import "time"

// Challenge categories accepted by the catalog.
const (
	CategoryWeb       = "web"
	CategoryCrypto    = "crypto"
	CategoryPwn       = "pwn"
	CategoryReverse   = "reverse"
	CategoryForensics = "forensics"
	CategoryMisc      = "misc"
)

// Challenge is a catalog entry. Only challenges with an Image can be
// provisioned as containers.
type Challenge struct {
	ID            int64         `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Category      string        `json:"category"`
	Image         string        `json:"docker_image,omitempty"`
	InternalPort  int           `json:"port,omitempty"`
	SSHUser       string        `json:"ssh_user,omitempty"`
	LeaseDuration time.Duration `json:"-"`
	MaxPoints     int           `json:"max_points"`
	Hidden        bool          `json:"hidden"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ValidCategory reports whether c is a known challenge category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryWeb, CategoryCrypto, CategoryPwn, CategoryReverse, CategoryForensics, CategoryMisc:
		return true
	}
	return false
}

// ProvisionParams are the catalog fields the lease tracker needs.
type ProvisionParams struct {
	ChallengeID   int64
	Title         string
	Image         string
	InternalPort  int
	SSHUser       string
	LeaseDuration time.Duration
}

// ProvisionParams extracts provisioning parameters from the challenge.
func (c *Challenge) ProvisionParams() *ProvisionParams {
	return &ProvisionParams{
		ChallengeID:   c.ID,
		Title:         c.Title,
		Image:         c.Image,
		InternalPort:  c.InternalPort,
		SSHUser:       c.SSHUser,
		LeaseDuration: c.LeaseDuration,
	}
}
