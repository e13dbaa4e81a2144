package features

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Precision policy for the features and the statistics computed on them.
type Precision int

const (
	// Float32 computes everything in float32.
	Float32 Precision = iota

	// MixedBFloat16 keeps the image and the network in float32, but the features (and therefore the
	// statistics and losses computed on them) are in bfloat16.
	MixedBFloat16
)

var precisionNames = map[Precision]string{
	Float32:       "float32",
	MixedBFloat16: "mixed_bfloat16",
}

// String implements fmt.Stringer.
func (p Precision) String() string {
	if name, found := precisionNames[p]; found {
		return name
	}
	return "invalid_precision"
}

// DType of the features for the precision policy.
func (p Precision) DType() dtypes.DType {
	if p == MixedBFloat16 {
		return dtypes.BFloat16
	}
	return dtypes.Float32
}

func (p Precision) validate() error {
	if _, found := precisionNames[p]; !found {
		return errors.Errorf("invalid precision policy %d", int(p))
	}
	return nil
}

// ParsePrecision converts the name of a precision policy to Precision.
func ParsePrecision(name string) (Precision, error) {
	for p, pName := range precisionNames {
		if pName == name {
			return p, nil
		}
	}
	return Float32, errors.Errorf("unknown precision policy %q (valid: float32, mixed_bfloat16)", name)
}
