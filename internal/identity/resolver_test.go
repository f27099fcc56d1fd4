package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		active   bool
		verified bool
		want     domain.Resolution
	}{
		{name: "active and verified", active: true, verified: true, want: domain.ResolutionExisting},
		{name: "inactive", active: false, verified: true, want: domain.ResolutionReactivated},
		{name: "unverified", active: true, verified: false, want: domain.ResolutionReactivated},
		{name: "inactive and unverified", active: false, verified: false, want: domain.ResolutionReactivated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(&domain.User{IsActive: tt.active, IsVerified: tt.verified})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "buyer@example.com", NormalizeEmail("  Buyer@Example.COM "))
}

func TestCleanName(t *testing.T) {
	name, err := cleanName("  Ada ")
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)

	_, err = cleanName("   ")
	assert.Error(t, err)

	_, err = cleanName(strings.Repeat("é", maxNameRunes+1))
	assert.Error(t, err)

	_, err = cleanName(string([]byte{0xff, 0xfe}))
	assert.Error(t, err)
}

func TestGenerateCredential(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		credential, err := GenerateCredential()
		require.NoError(t, err)
		assert.Len(t, credential, credentialLength)
		for _, c := range credential {
			assert.Contains(t, credentialAlphabet, string(c))
		}
		assert.False(t, seen[credential], "duplicate credential")
		seen[credential] = true
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
