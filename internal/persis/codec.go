// Package persis holds what the license store backends share: the record
// encoding and the optional at-rest sealing.
package persis

import (
	"encoding/json"

	"licensegate/internal/license"
)

// Sealer encrypts the record at rest. *security.Sealer implements it.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Encode validates lic and serializes it, sealing the result when sealer is
// not nil.
func Encode(lic *license.License, sealer Sealer) ([]byte, error) {
	if err := lic.Validate(); err != nil {
		return nil, license.NewError(license.KindStorage, "encode license", err)
	}
	data, err := json.MarshalIndent(lic, "", "  ")
	if err != nil {
		return nil, license.NewError(license.KindStorage, "encode license", err)
	}
	if sealer == nil {
		return data, nil
	}
	sealed, err := sealer.Seal(data)
	if err != nil {
		return nil, license.NewError(license.KindStorage, "seal license", err)
	}
	return sealed, nil
}

// Decode reverses Encode. Anything that cannot be opened, parsed or
// validated is a corrupt record.
func Decode(data []byte, sealer Sealer) (*license.License, error) {
	if sealer != nil {
		opened, err := sealer.Open(data)
		if err != nil {
			return nil, license.CorruptError("open license", err)
		}
		data = opened
	}

	var lic license.License
	if err := json.Unmarshal(data, &lic); err != nil {
		return nil, license.CorruptError("decode license", err)
	}
	if err := lic.Validate(); err != nil {
		return nil, license.CorruptError("decode license", err)
	}
	return &lic, nil
}
