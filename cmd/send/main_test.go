//go:build linux

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePacketSize(t *testing.T) {
	require.NoError(t, validatePacketSize(64, 2048))
	require.NoError(t, validatePacketSize(1360, 2048))
	require.NoError(t, validatePacketSize(2048, 2048))

	require.Error(t, validatePacketSize(63, 2048))
	require.Error(t, validatePacketSize(2049, 2048))
	require.Error(t, validatePacketSize(3000, 2048))
}
