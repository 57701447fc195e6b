package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   Page
		want Page
	}{
		{name: "defaults", in: Page{}, want: Page{Page: 1, Limit: DefaultLimit}},
		{name: "max accepted", in: Page{Page: 2, Limit: 500}, want: Page{Page: 2, Limit: 500}},
		{name: "over max clamps", in: Page{Page: 1, Limit: 501}, want: Page{Page: 1, Limit: 500}},
		{name: "zero page", in: Page{Page: 0, Limit: 10}, want: Page{Page: 1, Limit: 10}},
		{name: "negative page", in: Page{Page: -4, Limit: 10}, want: Page{Page: 1, Limit: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.in.Normalize())
		})
	}
}

func TestOffset(t *testing.T) {
	assert.Equal(t, 0, Page{}.Offset())
	assert.Equal(t, 4, Page{Page: 3, Limit: 2}.Offset())
	assert.Equal(t, 500, Page{Page: 2, Limit: 9000}.Offset())
}
