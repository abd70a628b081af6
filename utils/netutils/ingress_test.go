package netutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInAddrAny(t *testing.T) {
	assert.True(t, IsInAddrAny(""))
	assert.True(t, IsInAddrAny("0.0.0.0"))
	assert.True(t, IsInAddrAny("::"))
	assert.False(t, IsInAddrAny("10.0.0.4"))
}

func TestResolveIngressAddress(t *testing.T) {
	addr, err := ResolveIngressAddress("192.168.1.10", "10.0.0.4")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", addr)

	addr, err = ResolveIngressAddress("", "10.0.0.4")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", addr)
}

func TestResolveHostname(t *testing.T) {
	host, err := ResolveHostname("ctl-0")
	require.NoError(t, err)
	assert.Equal(t, "ctl-0", host)

	host, err = ResolveHostname("")
	require.NoError(t, err)
	assert.NotEmpty(t, host)
}
