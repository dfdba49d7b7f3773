package rawchain

import "github.com/cellmesh/chain/framing"

// tryPeekSizedFrame reads just enough of data to find a Sized frame's total
// byte range, without parsing anything inside it. It lets callers locate a
// block's bytes using only its length prefix/suffix, the same trick
// NextOffset relies on.
func tryPeekSizedFrame(data []byte) ([]byte, bool) {
	sized, err := framing.NewSizedReader(data)
	if err != nil {
		return nil, false
	}
	return sized.Whole(), true
}
