package eventmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory(t *testing.T) {
	members := []string{"a:1", "b:1"}
	d := NewStaticDirectory("node-a", members...)
	members[0] = "mutated"

	got, err := d.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, got)
	assert.Equal(t, "node-a", d.LocalNodeID())

	got[1] = "mutated"
	d.SetMembers("c:1")
	got, _ = d.Members(context.Background())
	assert.Equal(t, []string{"c:1"}, got)

	d.SetMembers()
	got, _ = d.Members(context.Background())
	assert.Empty(t, got)
}

func TestAdvisoryLockKey(t *testing.T) {
	assert.Equal(t, advisoryLockKey("node-a"), advisoryLockKey("node-a"))
	assert.NotEqual(t, advisoryLockKey("node-a"), advisoryLockKey("node-b"))
}

func TestDirectoryConfigDefaults(t *testing.T) {
	pg := NewPostgresDirectory(nil, PostgresDirectoryConfig{NodeID: "n"})
	assert.Equal(t, "n", pg.LocalNodeID())
	assert.Positive(t, pg.config.LeaseDuration)

	rd := NewRedisDirectory(nil, RedisDirectoryConfig{NodeID: "n"})
	assert.Equal(t, "eventmesh:", rd.config.Prefix)
	assert.Equal(t, "eventmesh:nodes", rd.nodesKey())
	assert.Equal(t, "eventmesh:leases", rd.leasesKey())
	assert.Equal(t, "eventmesh:lock:n", rd.lockKey())
}
