package canonical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden vectors. These bytes and digests are part of the ledger format
// contract; a change here is a breaking change.
func TestEncodeGoldenVectors(t *testing.T) {
	cases := []struct {
		name  string
		value any
		bytes string
		sha   string
	}{
		{
			name:  "object key ordering",
			value: map[string]any{"b": 1, "a": 2},
			bytes: `{"a":2,"b":1}`,
			sha:   "d3626ac30a87e6f7a6428233b3c68299976865fa5508e4267c5415c76af7a772",
		},
		{
			name:  "array order preserved",
			value: []any{3, 2, 1},
			bytes: `[3,2,1]`,
			sha:   "30c8681f9b840aceee56b737f3b126ae67ec4eb71d2881db831f86014fba016d",
		},
		{
			name:  "nested",
			value: map[string]any{"z": []any{1, map[string]any{"a": "x"}}},
			bytes: `{"z":[1,{"a":"x"}]}`,
			sha:   "c53c1456bf2048c7d5c42ef8e332d78b0b44f0e0267fd559e14b33539e36832b",
		},
		{
			name:  "decimal trailing zeros trimmed",
			value: map[string]any{"amount": json.Number("10.50"), "currency": "USD"},
			bytes: `{"amount":10.5,"currency":"USD"}`,
			sha:   "b8eff71bfb6f0576869c06a1aca40597f485336ecbec8b5652f0c711927a58fc",
		},
		{
			name:  "NFC string normalization",
			value: map[string]any{"name": "café"},
			bytes: "{\"name\":\"café\"}",
			sha:   "645fa443126a8954fc6d871912b8fc67bc2ee8feae417efe55546251962ca74d",
		},
		{
			name:  "mandatory escapes only",
			value: map[string]any{"note": "a\nbc"},
			bytes: `{"note":"a\nb\u0007c"}`,
			sha:   "82695be36f0a3c6e9e7064d1034f4d4e1aba26e99cc03c6a9bdc3c26b92e9939",
		},
		{
			name:  "timestamp",
			value: map[string]any{"when": time.Date(2024, 5, 1, 12, 30, 0, 123000, time.UTC)},
			bytes: `{"when":"2024-05-01T12:30:00.000123Z"}`,
			sha:   "c60d1040a26459ecceea007b3e576c1fa1221f9dcabb66359b971a65de43bcc1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.bytes, string(got))

			digest, err := Hash(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.sha, digest)
		})
	}
}

// For NFC-invariant pure-JSON values our encoding must agree byte-for-byte
// with RFC 8785 as implemented by gowebpki/jcs.
func TestEncodeMatchesJCS(t *testing.T) {
	values := []any{
		map[string]any{"b": 1, "a": 2, "nested": map[string]any{"y": nil, "x": true}},
		[]any{"one", 2, false, nil},
		map[string]any{"s": "plain ascii / with solidus <tag>"},
	}
	for _, v := range values {
		ours, err := Encode(v)
		require.NoError(t, err)
		plain, err := json.Marshal(v)
		require.NoError(t, err)
		theirs, err := jcs.Transform(plain)
		require.NoError(t, err)
		assert.Equal(t, string(theirs), string(ours))
	}
}

func TestEncodeRejectsFloats(t *testing.T) {
	_, err := Encode(map[string]any{"x": 1.5})
	assert.ErrorIs(t, err, ErrFloat)

	_, err = Encode([]any{float32(2)})
	assert.ErrorIs(t, err, ErrFloat)
}

func TestEncodeRejectsBadDecimals(t *testing.T) {
	for _, bad := range []string{"1e5", "+1", "1.", ".5", "NaN", "Infinity", "--1", ""} {
		_, err := Encode(json.Number(bad))
		assert.Error(t, err, "literal %q", bad)
	}
}

func TestDecimalNormalization(t *testing.T) {
	cases := map[string]string{
		"007":    "7",
		"10.50":  "10.5",
		"0.500":  "0.5",
		"-0":     "0",
		"-0.000": "0",
		"-12.30": "-12.3",
		"0":      "0",
	}
	for in, want := range cases {
		got, err := Encode(json.Number(in))
		require.NoError(t, err, "literal %q", in)
		assert.Equal(t, want, string(got))
	}
}

func TestDuplicateKeysAfterNormalizationRejected(t *testing.T) {
	// "café" composed and decomposed collide after NFC.
	_, err := Encode(map[string]any{"café": 1, "café": 2})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDecodeRoundTrip(t *testing.T) {
	v := map[string]any{
		"a":    []any{1, "two", nil, true},
		"b":    map[string]any{"amount": json.Number("3.25")},
		"unic": "café",
	}
	first, err := Encode(v)
	require.NoError(t, err)

	parsed, err := Decode(first)
	require.NoError(t, err)

	second, err := Encode(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestReflectedContainers(t *testing.T) {
	got, err := Encode(map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, string(got))

	got, err = Encode([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, string(got))
}
