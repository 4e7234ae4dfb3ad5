package skiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostAddress(t *testing.T) {
	tests := []struct {
		in   string
		want HostAddress
		ok   bool
	}{
		{"db0.example.com:27801", HostAddress{"db0.example.com", 27801}, true},
		{"db0.example.com", HostAddress{"db0.example.com", DefaultPort}, true},
		{"10.0.0.7:1", HostAddress{"10.0.0.7", 1}, true},
		{"", HostAddress{}, false},
		{":27801", HostAddress{}, false},
		{"db0:notaport", HostAddress{}, false},
		{"db0:0", HostAddress{}, false},
		{"db0:70000", HostAddress{}, false},
	}

	for _, tt := range tests {
		got, err := ParseHostAddress(tt.in)
		if !tt.ok {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestHostAddressString(t *testing.T) {
	addr := HostAddress{Host: "db0", Port: 27801}
	assert.Equal(t, "db0:27801", addr.String())

	parsed, err := ParseHostAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed, "String/Parse round-trip")
}

func TestParseSeedList(t *testing.T) {
	name, seeds, err := ParseSeedList("shard0/db0:27801, db1:27802,db2")
	require.NoError(t, err)
	assert.Equal(t, "shard0", name)
	assert.Equal(t, []HostAddress{
		{"db0", 27801},
		{"db1", 27802},
		{"db2", DefaultPort},
	}, seeds)

	_, _, err = ParseSeedList("db0:27801,db1:27802")
	assert.Error(t, err, "set name is required")

	_, _, err = ParseSeedList("shard0/")
	assert.Error(t, err)
}
