// Package catalog imports challenge definitions from YAML files.
//
// A catalog file looks like:
//
//	challenges:
//	  - title: Baby SSH
//	    category: pwn
//	    image: atlas/baby-ssh:latest
//	    port: 22
//	    ssh_user: atlas
//	    lease_duration: 10m
//	    max_points: 100
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlas-ctf/atlas/internal/domain"
)

// File is the top-level document of a catalog file.
type File struct {
	Challenges []Entry `yaml:"challenges"`
}

// Entry is one challenge in a catalog file.
type Entry struct {
	Title         string        `yaml:"title"`
	Description   string        `yaml:"description,omitempty"`
	Category      string        `yaml:"category"`
	Image         string        `yaml:"image,omitempty"`
	Port          int           `yaml:"port,omitempty"`
	SSHUser       string        `yaml:"ssh_user,omitempty"`
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty"`
	MaxPoints     int           `yaml:"max_points"`
	Hidden        bool          `yaml:"hidden,omitempty"`
}

// Upserter stores challenges keyed by title.
type Upserter interface {
	UpsertChallengeByTitle(ctx context.Context, c *domain.Challenge) error
}

// LoadFile reads and validates a catalog file.
func LoadFile(path string) ([]*domain.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Load(bytes.NewReader(data))
}

// Load parses and validates a catalog document. Unknown keys are rejected.
func Load(r io.Reader) ([]*domain.Challenge, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Challenges))
	out := make([]*domain.Challenge, 0, len(f.Challenges))
	for i, e := range f.Challenges {
		c, err := e.Challenge()
		if err != nil {
			return nil, fmt.Errorf("challenge %d: %w", i+1, err)
		}
		if seen[c.Title] {
			return nil, fmt.Errorf("challenge %d: duplicate title %q", i+1, c.Title)
		}
		seen[c.Title] = true
		out = append(out, c)
	}
	return out, nil
}

// Challenge validates the entry and converts it to a catalog challenge.
func (e Entry) Challenge() (*domain.Challenge, error) {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	category := strings.ToLower(strings.TrimSpace(e.Category))
	if !domain.ValidCategory(category) {
		return nil, fmt.Errorf("%q: unknown category %q", title, e.Category)
	}
	if e.Image != "" && (e.Port <= 0 || e.Port > 65535) {
		return nil, fmt.Errorf("%q: port must be between 1 and 65535 for container challenges", title)
	}
	if e.Image == "" && (e.Port != 0 || e.SSHUser != "") {
		return nil, fmt.Errorf("%q: port and ssh_user require an image", title)
	}
	if e.LeaseDuration < 0 {
		return nil, fmt.Errorf("%q: lease_duration must not be negative", title)
	}
	if e.LeaseDuration%time.Second != 0 {
		return nil, fmt.Errorf("%q: lease_duration must be whole seconds", title)
	}
	return &domain.Challenge{
		Title:         title,
		Description:   e.Description,
		Category:      category,
		Image:         e.Image,
		InternalPort:  e.Port,
		SSHUser:       e.SSHUser,
		LeaseDuration: e.LeaseDuration,
		MaxPoints:     e.MaxPoints,
		Hidden:        e.Hidden,
	}, nil
}

// Seed upserts challenges and returns how many were written.
func Seed(ctx context.Context, repo Upserter, challenges []*domain.Challenge) (int, error) {
	for i, c := range challenges {
		if err := repo.UpsertChallengeByTitle(ctx, c); err != nil {
			return i, fmt.Errorf("seed %q: %w", c.Title, err)
		}
		slog.Debug("Seeded challenge", "challenge_id", c.ID, "title", c.Title, "image", c.Image)
	}
	return len(challenges), nil
}

// SeedFile loads path and seeds its challenges.
func SeedFile(ctx context.Context, repo Upserter, path string) (int, error) {
	challenges, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return Seed(ctx, repo, challenges)
}
