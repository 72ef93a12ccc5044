// Package blob stores model bundles by key on a local filesystem or an
// S3-compatible object store.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotExist = errors.New("blob does not exist")

type Type string

const (
	TypeLocal Type = "local"
	TypeS3    Type = "s3"
)

type Store interface {
	Type() Type
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

type S3Config struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	PathPrefix string `yaml:"path_prefix"`
	Secure     bool   `yaml:"secure"`
}

type Config struct {
	Type  Type        `yaml:"type"`
	Local LocalConfig `yaml:"local"`
	S3    S3Config    `yaml:"s3"`
}

func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeLocal:
		return NewLocalStore(cfg.Local)
	case TypeS3:
		return NewS3Store(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown blob store type %q", cfg.Type)
}

// BundleKey is where one persist attempt writes a trial's model bundle.
// attempt must be unique per writer and attempt.
func BundleKey(trialID, attempt string) string {
	return "trials/" + trialID + "-" + attempt + ".bundle"
}
