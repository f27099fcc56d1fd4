package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSearchPath(t *testing.T) {
	got, err := WithSearchPath("postgres://app:pw@db:5432/shop?sslmode=disable", "store")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@db:5432/shop?search_path=store&sslmode=disable", got)

	got, err = WithSearchPath("postgres://db/shop?search_path=custom", "store")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/shop?search_path=custom", got)

	got, err = WithSearchPath("host=db dbname=shop", "")
	require.NoError(t, err)
	assert.Equal(t, "host=db dbname=shop", got)

	_, err = WithSearchPath("host=db dbname=shop", "store")
	assert.Error(t, err)
}
