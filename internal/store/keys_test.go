package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"cache:*", "cache:abc", true},
		{"cache:*", "cache:", true},
		{"cache:*", "session:abc", false},
		{"*:123", "user:123", true},
		{"*:123", "user:1234", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"*", "", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"riptide:*:v1:*", "riptide:t1:v1:deadbeef", true},
		{"riptide:*:v1:*", "riptide:t1:v2:deadbeef", false},
		{`lit\*`, "lit*", true},
		{`lit\*`, "litx", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.s))
		})
	}
}

func TestKeySpace(t *testing.T) {
	ks := KeySpace{Prefix: "riptide"}
	assert.Equal(t, "riptide:node:n1", ks.NodeKey("n1"))
	assert.Equal(t, "riptide:heartbeat:n1", ks.HeartbeatKey("n1"))
	assert.Equal(t, "riptide:leader", ks.LeaderKey())

	id, ok := ks.NodeIDFromHeartbeatKey("riptide:heartbeat:n7")
	assert.True(t, ok)
	assert.Equal(t, "n7", id)

	_, ok = ks.NodeIDFromHeartbeatKey("other:heartbeat:n7")
	assert.False(t, ok)
}
