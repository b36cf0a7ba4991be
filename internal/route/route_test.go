package route

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wirehole/wirehole/internal/protocol"
)

func tableWith(entries ...Entry) *Table {
	return &Table{entries: entries}
}

func TestSameSubnet(t *testing.T) {
	tbl := tableWith(
		Entry{IP: net.IPv4(192, 168, 1, 10).To4(), Mask: net.CIDRMask(24, 32)},
		Entry{IP: net.IPv4(10, 1, 0, 5).To4(), Mask: net.CIDRMask(16, 32)},
	)

	assert.True(t, tbl.SameSubnet(protocol.Endpoint{IP: [4]byte{192, 168, 1, 77}, Port: 1}))
	assert.False(t, tbl.SameSubnet(protocol.Endpoint{IP: [4]byte{192, 168, 2, 77}, Port: 1}))
	assert.True(t, tbl.SameSubnet(protocol.Endpoint{IP: [4]byte{10, 1, 200, 3}, Port: 1}))
	assert.False(t, tbl.SameSubnet(protocol.Endpoint{IP: [4]byte{10, 2, 0, 3}, Port: 1}))

	assert.False(t, tableWith().SameSubnet(protocol.Endpoint{IP: [4]byte{192, 168, 1, 1}}))
}

func TestHostEndpoints(t *testing.T) {
	tbl := tableWith(
		Entry{IP: net.IPv4(192, 168, 1, 10).To4(), Mask: net.CIDRMask(24, 32)},
		Entry{IP: net.IPv4(10, 1, 0, 5).To4(), Mask: net.CIDRMask(16, 32)},
	)
	eps := tbl.HostEndpoints(4242)
	assert.Equal(t, []protocol.Endpoint{
		{IP: [4]byte{192, 168, 1, 10}, Port: 4242},
		{IP: [4]byte{10, 1, 0, 5}, Port: 4242},
	}, eps)
}

func TestDiscoverNeverNil(t *testing.T) {
	tbl := Discover()
	assert.NotNil(t, tbl)
	assert.LessOrEqual(t, len(tbl.Entries()), MaxEntries)
	for _, e := range tbl.Entries() {
		assert.NotNil(t, e.IP.To4())
	}
}
