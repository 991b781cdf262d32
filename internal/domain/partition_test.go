package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndexSet(t *testing.T) {
	cases := []struct {
		in    string
		slots []int
	}{
		{"3", []int{0, 1}},
		{"0x3", []int{0, 1}},
		{"0x01", []int{0}},
		{"0X06", []int{1, 2}},
		{"0x0000000000000000000000000000000000000000000000000000000000000004", []int{2}},
		{" 5 ", []int{0, 2}},
	}
	for _, tc := range cases {
		s, err := ParseIndexSet(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.slots, s.Slots(), tc.in)
	}

	top, err := ParseIndexSet("0x8" + strings.Repeat("0", 63))
	require.NoError(t, err)
	assert.Equal(t, []int{255}, top.Slots())
}

func TestParseIndexSet_Rejects(t *testing.T) {
	for _, in := range []string{"", "0x", "0X", "0x-1", "0x+1", "-1", "0xzz", "1" + strings.Repeat("0", 80), "0x1" + strings.Repeat("0", 64)} {
		_, err := ParseIndexSet(in)
		require.ErrorIs(t, err, ErrInvalidIndexSet, in)
	}
}

func TestParsePositionID_Hex(t *testing.T) {
	a, err := ParsePositionID("0X00ff")
	require.NoError(t, err)
	b, err := ParsePositionID("255")
	require.NoError(t, err)
	assert.Equal(t, b.String(), a.String())

	_, err = ParsePositionID("0x-ff")
	require.ErrorIs(t, err, ErrInvalidArgument)
}
