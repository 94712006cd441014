// Package secrets supplies the site secret that seeds filename key
// generation.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Source returns the site-wide secret.
type Source interface {
	SiteSecret(ctx context.Context) ([]byte, error)
}

// ErrNotFound is returned when a source has no secret configured.
type ErrNotFound struct {
	Source string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("site secret not found in %s", e.Source)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var target *ErrNotFound
	return errors.As(err, &target)
}

// Static is a fixed secret, mostly useful in tests.
type Static []byte

func (s Static) SiteSecret(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, &ErrNotFound{Source: "static"}
	}
	return append([]byte(nil), s...), nil
}

// EnvSource reads the secret from an environment variable.
type EnvSource struct {
	Var string
}

func (e EnvSource) SiteSecret(context.Context) ([]byte, error) {
	v := os.Getenv(e.Var)
	if v == "" {
		return nil, &ErrNotFound{Source: "env " + e.Var}
	}
	return []byte(v), nil
}

// FileSource reads the secret from a file. Surrounding whitespace is trimmed.
type FileSource struct {
	Path string
}

func (f FileSource) SiteSecret(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ErrNotFound{Source: "file " + f.Path}
		}
		return nil, fmt.Errorf("read site secret: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ErrNotFound{Source: "file " + f.Path}
	}
	return data, nil
}

// Chain queries sources in order. The first source that has a secret wins;
// errors other than ErrNotFound stop the search.
type Chain []Source

func (c Chain) SiteSecret(ctx context.Context) ([]byte, error) {
	names := make([]string, 0, len(c))
	for _, src := range c {
		secret, err := src.SiteSecret(ctx)
		if err == nil {
			return secret, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		var nf *ErrNotFound
		errors.As(err, &nf)
		names = append(names, nf.Source)
	}
	return nil, &ErrNotFound{Source: "chain [" + strings.Join(names, ", ") + "]"}
}
