package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvSource(t *testing.T) {
	t.Setenv("LIGHTPOLL_TEST_SECRET", "s3cret")

	got, err := EnvSource{Var: "LIGHTPOLL_TEST_SECRET"}.SiteSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	_, err = EnvSource{Var: "LIGHTPOLL_TEST_MISSING"}.SiteSecret(context.Background())
	assert.True(t, IsNotFound(err))
}

func TestFileSourceTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("  abc\n"), 0o600))

	got, err := FileSource{Path: path}.SiteSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing")}.SiteSecret(context.Background())
	assert.True(t, IsNotFound(err))
}

type failingSource struct{}

func (failingSource) SiteSecret(context.Context) ([]byte, error) {
	return nil, errors.New("backend down")
}

func TestChainFallsThroughNotFound(t *testing.T) {
	chain := Chain{EnvSource{Var: "LIGHTPOLL_TEST_MISSING"}, Static("fallback")}

	got, err := chain.SiteSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback"), got)
}

func TestChainStopsOnRealError(t *testing.T) {
	chain := Chain{failingSource{}, Static("fallback")}

	_, err := chain.SiteSecret(context.Background())
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestChainAllMissing(t *testing.T) {
	_, err := Chain{Static(nil)}.SiteSecret(context.Background())
	assert.True(t, IsNotFound(err))
}
