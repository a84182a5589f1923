package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acquira/gateway/internal/hsm"
)

const (
	visaPAN = "4532015112830366"
	mcPAN   = "5425233430109903"
	amexPAN = "378282246310005"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(NewMemoryStore(), hsm.NewKeyService())
	require.NoError(t, err)
	return v
}

func TestTokenize_FormatPreserving(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.Tokenize(visaPAN, 12, 2030, "123")
	require.NoError(t, err)

	assert.Len(t, rec.Value, len(visaPAN))
	assert.Equal(t, byte('9'), rec.Value[0])
	assert.Equal(t, "0366", rec.Value[len(rec.Value)-4:])
	assert.Equal(t, "0366", rec.LastFour)
	assert.Equal(t, BrandVisa, rec.Brand)
	assert.False(t, LuhnValid(rec.Value), "token must not be Luhn-valid")
	assert.True(t, rec.Active)
}

func TestTokenize_Detokenize_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.Tokenize(visaPAN, 12, 2030, "123")
	require.NoError(t, err)

	pan, month, year, err := v.Detokenize(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, visaPAN, pan)
	assert.Equal(t, 12, month)
	assert.Equal(t, 2030, year)
}

func TestTokenize_DedupReusesLiveToken(t *testing.T) {
	v := newTestVault(t)

	first, err := v.Tokenize(visaPAN, 12, 2030, "123")
	require.NoError(t, err)
	second, err := v.Tokenize(visaPAN, 12, 2030, "123")
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, first.ID, second.ID)
}

func TestTokenize_DistinctPANsDistinctTokens(t *testing.T) {
	v := newTestVault(t)

	seen := map[string]bool{}
	for _, pan := range []string{visaPAN, mcPAN, amexPAN, "6011111111111117"} {
		rec, err := v.Tokenize(pan, 6, 2031, "999")
		require.NoError(t, err)
		assert.False(t, seen[rec.Value], "token collision for %s", pan)
		seen[rec.Value] = true
	}
}

func TestTokenize_RejectsBadCards(t *testing.T) {
	v := newTestVault(t)

	cases := []struct {
		name     string
		pan      string
		month    int
		year     int
		cvv      string
		wantErr  error
	}{
		{"luhn failure", "4532015112830367", 12, 2030, "123", ErrInvalidPAN},
		{"too short", "45320151", 12, 2030, "123", ErrInvalidPAN},
		{"non digits", "45320151128303ab", 12, 2030, "123", ErrInvalidPAN},
		{"month zero", visaPAN, 0, 2030, "123", ErrInvalidExpiry},
		{"month 13", visaPAN, 13, 2030, "123", ErrInvalidExpiry},
		{"expired", visaPAN, 1, 2020, "123", ErrInvalidExpiry},
		{"too far out", visaPAN, 1, 2099, "123", ErrInvalidExpiry},
		{"bad cvv", visaPAN, 12, 2030, "12", ErrInvalidPAN},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Tokenize(tc.pan, tc.month, tc.year, tc.cvv)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDetokenize_RejectsDeadTokens(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.Tokenize(visaPAN, 12, 2030, "123")
	require.NoError(t, err)

	_, _, _, err = v.Detokenize("")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, _, _, err = v.Detokenize("1234567890123")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, _, _, err = v.Detokenize("9532015112830366")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, v.RevokeToken(rec.Value))
	_, _, _, err = v.Detokenize(rec.Value)
	assert.ErrorIs(t, err, ErrTokenInactive)
	assert.False(t, v.ValidateToken(rec.Value))
}

func TestDetokenize_ExpiredToken(t *testing.T) {
	v := newTestVault(t)

	rec, err := v.Tokenize(visaPAN, 12, 2030, "123")
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(defaultTokenTTL + time.Hour) }
	_, _, _, err = v.Detokenize(rec.Value)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeToken_UnknownToken(t *testing.T) {
	v := newTestVault(t)
	assert.ErrorIs(t, v.RevokeToken("9000000000000000"), ErrTokenNotFound)
}

func TestDetectBrand(t *testing.T) {
	cases := map[string]Brand{
		visaPAN:            BrandVisa,
		mcPAN:              BrandMastercard,
		"2221000000000009": BrandMastercard,
		"2720999999999996": BrandMastercard,
		amexPAN:            BrandAmex,
		"371449635398431":  BrandAmex,
		"6011111111111117": BrandDiscover,
		"6511111111111119": BrandDiscover,
		"9999999999999995": BrandUnknown,
	}
	for pan, want := range cases {
		assert.Equal(t, want, DetectBrand(pan), "pan %s", pan)
	}
}

func TestLuhnValid(t *testing.T) {
	assert.True(t, LuhnValid(visaPAN))
	assert.True(t, LuhnValid(amexPAN))
	assert.False(t, LuhnValid("4532015112830367"))
}
