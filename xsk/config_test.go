//go:build linux

package xsk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUmemConfigDefaults(t *testing.T) {
	var conf UmemConfig
	require.NoError(t, conf.ValidateAndSetDefaults())
	require.Equal(t, uint32(DefaultFrameSize), conf.FrameSize)
	require.Equal(t, uint32(DefaultFrameCount), conf.FrameCount)
	require.Equal(t, uint32(DefaultFillSize), conf.FillSize)
	require.Equal(t, uint32(DefaultCompSize), conf.CompSize)
	require.Zero(t, conf.FrameHeadroom)
	require.Equal(t, uint64(DefaultFrameCount)*DefaultFrameSize, conf.totalSize())
}

func TestUmemConfigValidation(t *testing.T) {
	for _, tt := range []struct {
		name string
		conf UmemConfig
		want error
	}{
		{"frame size too small", UmemConfig{FrameSize: 1024}, ErrInvalidFrameSize},
		{"frame size not power of two", UmemConfig{FrameSize: 3000}, ErrInvalidFrameSize},
		{"fill size not power of two", UmemConfig{FillSize: 3}, ErrInvalidQueueSize},
		{"comp size not power of two", UmemConfig{CompSize: 1000}, ErrInvalidQueueSize},
		{"fill size above ring limit", UmemConfig{FillSize: maxRingSize * 2}, ErrInvalidQueueSize},
		{"headroom equals frame size", UmemConfig{FrameSize: 2048, FrameHeadroom: 2048}, ErrInvalidHeadroom},
		{"headroom above frame size", UmemConfig{FrameSize: 2048, FrameHeadroom: 4000}, ErrInvalidHeadroom},
		{"valid minimal", UmemConfig{FrameSize: 2048, FrameCount: 1, FillSize: 1, CompSize: 1}, nil},
		{"valid headroom", UmemConfig{FrameSize: 4096, FrameHeadroom: 512}, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conf.ValidateAndSetDefaults()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUmemConfigNoOverflowForValidValues(t *testing.T) {
	conf := UmemConfig{FrameSize: 4096, FrameCount: math.MaxUint32}
	require.NoError(t, conf.ValidateAndSetDefaults())
	require.Equal(t, uint64(math.MaxUint32)*4096, conf.totalSize())
}

func TestSocketConfigValidation(t *testing.T) {
	var conf SocketConfig
	require.NoError(t, conf.ValidateAndSetDefaults())
	require.Equal(t, uint32(DefaultRxSize), conf.RxSize)
	require.Equal(t, uint32(DefaultTxSize), conf.TxSize)

	bad := SocketConfig{RxSize: 17}
	require.ErrorIs(t, bad.ValidateAndSetDefaults(), ErrInvalidQueueSize)
	bad = SocketConfig{TxSize: maxRingSize * 2}
	require.ErrorIs(t, bad.ValidateAndSetDefaults(), ErrInvalidQueueSize)
}
