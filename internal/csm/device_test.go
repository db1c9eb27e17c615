package csm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectDevice(t *testing.T) {
	t.Parallel()

	withCUDA := func() bool { return true }
	withoutCUDA := func() bool { return false }

	tests := []struct {
		name       string
		preference string
		host       hostInfo
		want       string
	}{
		{
			name:       "explicit preference wins",
			preference: "cpu",
			host:       hostInfo{goos: "linux", goarch: "amd64", hasCUDA: withCUDA},
			want:       "cpu",
		},
		{
			name:       "apple silicon uses mps",
			preference: "auto",
			host:       hostInfo{goos: "darwin", goarch: "arm64", hasCUDA: withoutCUDA},
			want:       "mps",
		},
		{
			name:       "nvidia host uses cuda",
			preference: "auto",
			host:       hostInfo{goos: "linux", goarch: "amd64", hasCUDA: withCUDA},
			want:       "cuda",
		},
		{
			name:       "empty preference behaves like auto",
			preference: "",
			host:       hostInfo{goos: "linux", goarch: "amd64", hasCUDA: withoutCUDA},
			want:       "cpu",
		},
		{
			name:       "intel mac falls back to cpu",
			preference: "auto",
			host:       hostInfo{goos: "darwin", goarch: "amd64", hasCUDA: withoutCUDA},
			want:       "cpu",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, selectDevice(testCase.preference, testCase.host))
		})
	}
}
