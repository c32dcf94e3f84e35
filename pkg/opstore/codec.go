package opstore

import (
	"fmt"
	"math/big"
	"strings"
)

// bigIntTag marks string-encoded arbitrary-precision integers so they are
// distinguishable from ordinary string fields in the stored JSON. Gas
// values routinely exceed 2^53, so encoding them as JSON numbers would
// lose precision in any float-based reader.
const bigIntTag = "bigint::"

// BigInt is a big.Int that round-trips exactly through JSON as a tagged
// decimal string.
type BigInt struct {
	big.Int
}

// NewBigInt wraps v; nil yields a zero value.
func NewBigInt(v *big.Int) *BigInt {
	b := &BigInt{}
	if v != nil {
		b.Int.Set(v)
	}
	return b
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + bigIntTag + b.Int.String() + `"`), nil
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		s = strings.TrimPrefix(s, bigIntTag)
		if _, ok := b.Int.SetString(s, 10); !ok {
			return fmt.Errorf("invalid bigint payload %q", s)
		}
		return nil
	}
	// tolerate plain JSON numbers written by older records
	return b.Int.UnmarshalJSON(data)
}
