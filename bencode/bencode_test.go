package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := map[string]string{
		"i42e":                 "i42e",
		"i-42e":                "i-42e",
		"i0e":                  "i0e",
		"4:spam":               "4:spam",
		"0:":                   "0:",
		"l4:spam4:eggse":       "l4:spam4:eggse",
		"d3:bar4:spam3:fooi42ee": "d3:bar4:spam3:fooi42ee",
	}
	for in, want := range cases {
		v, err := Decode([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, want, string(Encode(v)), in)
	}
}

func TestDecodeS1Scenario(t *testing.T) {
	v, err := Decode([]byte("d3:bar4:spam3:fooi42ee"))
	require.NoError(t, err)
	require.Equal(t, "spam", string(v.DictGet("bar").Str))
	require.Equal(t, int64(42), v.DictGet("foo").Int)
	require.Equal(t, "d3:bar4:spam3:fooi42ee", string(Encode(v)))
}

func TestCanonicalEncodeReordersKeys(t *testing.T) {
	d := NewDict()
	d.Set("zebra", NewInt(1))
	d.Set("apple", NewInt(2))
	require.Equal(t, "d5:applei2e5:zebrai1ee", string(Encode(d)))
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	require.ErrorIs(t, err, ErrTrailingData)
}

func TestDecodeRejectsLeadingZeroInt(t *testing.T) {
	for _, in := range []string{"i03e", "i-0e", "i-03e"} {
		_, err := Decode([]byte(in))
		require.ErrorIs(t, err, ErrMalformedInt, in)
	}
}

func TestDecodeAllowsZero(t *testing.T) {
	v, err := Decode([]byte("i0e"))
	require.NoError(t, err)
	require.Equal(t, int64(0), v.Int)
}

func TestDecodeRejectsLeadingZeroLength(t *testing.T) {
	_, err := Decode([]byte("03:abc"))
	require.ErrorIs(t, err, ErrMalformedLen)
}

func TestDecodeRejectsLengthPastEOF(t *testing.T) {
	_, err := Decode([]byte("10:abc"))
	require.ErrorIs(t, err, ErrLengthTooLarge)
}

func TestDecodeRejectsTruncatedContainer(t *testing.T) {
	for _, in := range []string{"l4:spam", "d3:bar4:spam", "i42"} {
		_, err := Decode([]byte(in))
		require.Error(t, err, in)
	}
}

func TestDecodeRejectsNonStringDictKey(t *testing.T) {
	_, err := Decode([]byte("di1e4:spame"))
	require.ErrorIs(t, err, ErrNonStringKey)
}

func TestRoundTripLawOverNestedStructures(t *testing.T) {
	inner := NewDict()
	inner.Set("x", NewList(NewInt(1), NewInt(-2), NewString([]byte("hi"))))
	inner.Set("y", NewString([]byte("")))
	encoded := Encode(inner)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, encoded, Encode(decoded))
}
