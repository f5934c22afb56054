package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"execution-core/pkg/db"
)

// UserConfig declares an account the deployments belong to.
type UserConfig struct {
	ID          string `yaml:"id"`
	Email       string `yaml:"email"`
	IsSuperuser bool   `yaml:"superuser"`
}

// AlgorithmConfig is an algorithm definition in the seed file.
type AlgorithmConfig struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Parameters map[string]any `yaml:"parameters"`
}

// DeploymentConfig binds an algorithm to a user in the seed file.
type DeploymentConfig struct {
	UserID      string         `yaml:"user_id"`
	AlgorithmID string         `yaml:"algorithm_id"`
	Name        string         `yaml:"name"`
	Cadence     string         `yaml:"cadence"`
	Parameters  map[string]any `yaml:"parameters"`
	Paused      bool           `yaml:"paused"`
	Disabled    bool           `yaml:"disabled"`
}

// SeedFile is the top-level YAML structure.
type SeedFile struct {
	Users       []UserConfig       `yaml:"users"`
	Algorithms  []AlgorithmConfig  `yaml:"algorithms"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// SeedStore is what Seed writes to; *db.Queries implements it.
type SeedStore interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	CreateUser(ctx context.Context, u db.User) error
	UpsertAlgorithm(ctx context.Context, a db.Algorithm) error
	UpsertDeployment(ctx context.Context, d db.DeployedAlgorithm) error
}

// LoadDeploymentsFile reads and validates a deployments file.
func LoadDeploymentsFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, u := range file.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("%s: user needs id", path)
		}
	}
	for _, a := range file.Algorithms {
		if a.ID == "" || a.Type == "" {
			return nil, fmt.Errorf("%s: algorithm needs id and type", path)
		}
	}
	for _, d := range file.Deployments {
		if d.UserID == "" || d.AlgorithmID == "" {
			return nil, fmt.Errorf("%s: deployment needs user_id and algorithm_id", path)
		}
		if _, err := ParseCadence(d.Cadence); err != nil {
			return nil, fmt.Errorf("%s: deployment %s/%s: %w", path, d.UserID, d.AlgorithmID, err)
		}
	}
	return &file, nil
}

// DeploymentID derives a stable row id so re-seeding updates in place.
func DeploymentID(userID, algorithmID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"/"+algorithmID)).String()
}

// Seed upserts the file's algorithms and deployments. The file wins over the
// stored flags; accumulated P&L and trade counts are kept.
func (f *SeedFile) Seed(ctx context.Context, store SeedStore) error {
	for _, u := range f.Users {
		_, err := store.GetUser(ctx, u.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		email := u.Email
		if email == "" {
			email = u.ID + "@localhost"
		}
		if err := store.CreateUser(ctx, db.User{ID: u.ID, Email: email, IsSuperuser: u.IsSuperuser, IsActive: true}); err != nil {
			return err
		}
	}
	for _, a := range f.Algorithms {
		name := a.Name
		if name == "" {
			name = a.ID
		}
		if err := store.UpsertAlgorithm(ctx, db.Algorithm{
			ID:                a.ID,
			Name:              name,
			AlgorithmType:     a.Type,
			DefaultParameters: db.JSONMap(a.Parameters),
		}); err != nil {
			return err
		}
	}
	for _, d := range f.Deployments {
		name := d.Name
		if name == "" {
			name = d.AlgorithmID
		}
		if err := store.UpsertDeployment(ctx, db.DeployedAlgorithm{
			ID:          DeploymentID(d.UserID, d.AlgorithmID),
			UserID:      d.UserID,
			AlgorithmID: d.AlgorithmID,
			Name:        name,
			Parameters:  db.JSONMap(d.Parameters),
			Cadence:     d.Cadence,
			IsActive:    !d.Disabled,
			IsPaused:    d.Paused,
		}); err != nil {
			return err
		}
	}
	return nil
}
