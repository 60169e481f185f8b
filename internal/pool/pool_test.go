package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPicksSmallestClass(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n    int
		want int
	}{
		{0, SmallBufSize},
		{69, SmallBufSize},
		{SmallBufSize + 1, SegmentBufSize},
		{SegmentBufSize, SegmentBufSize},
		{SegmentBufSize + 1, LargeBufSize},
		{LargeBufSize, LargeBufSize},
		{LargeBufSize + 1, LargeBufSize + 1},
	}
	for _, tc := range cases {
		b := Get(tc.n)
		assert.Len(t, *b, tc.want, "n=%d", tc.n)
		Put(b)
	}
}

func TestPutRestoresLength(t *testing.T) {
	t.Parallel()
	b := Get(100)
	*b = (*b)[:3]
	Put(b)
	Put(nil)

	b = GetLarge()
	assert.Len(t, *b, LargeBufSize)
	*b = (*b)[:10]
	PutLarge(b)
	PutLarge(nil)
}
