package persis

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
)

// xorSealer is a reversible stand-in for the real sealer.
type xorSealer struct{ fail bool }

func (s xorSealer) Seal(p []byte) ([]byte, error) {
	if s.fail {
		return nil, errors.New("seal failed")
	}
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5A
	}
	return out, nil
}

func (s xorSealer) Open(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, errors.New("empty")
	}
	return xorSealer{}.Seal(p)
}

func sample() *license.License {
	return &license.License{
		ID:               "lic-1",
		ActivationMethod: license.ActivationOnline,
		Product:          license.Product{ID: "prod-1"},
		Token:            "tok",
		State:            license.StateValid,
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, sealer := range []Sealer{nil, xorSealer{}} {
		data, err := Encode(sample(), sealer)
		require.NoError(t, err)

		got, err := Decode(data, sealer)
		require.NoError(t, err)
		assert.Equal(t, "lic-1", got.ID)
		assert.Equal(t, license.StateUnvalidated, got.State, "state is never persisted")
	}
}

func TestEncode_Errors(t *testing.T) {
	bad := sample()
	bad.ID = ""
	_, err := Encode(bad, nil)
	assert.ErrorIs(t, err, license.ErrStorage)

	_, err = Encode(sample(), xorSealer{fail: true})
	assert.ErrorIs(t, err, license.ErrStorage)
	assert.False(t, license.IsCorrupt(err))
}

func TestDecode_Corrupt(t *testing.T) {
	for name, data := range map[string][]byte{
		"not json":       []byte("{"),
		"invalid record": []byte(`{"id":"x"}`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data, nil)
			assert.True(t, license.IsCorrupt(err))
		})
	}

	_, err := Decode(nil, xorSealer{})
	assert.True(t, license.IsCorrupt(err))
}
