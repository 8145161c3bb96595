package dispatch

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejeswarp/tungsten-replicator/event"
)

func shardEvent(seqno uint64, shard string) *event.Event {
	meta := map[string]string{}
	if shard != "" {
		meta[event.OptionShard] = shard
	}
	return &event.Event{
		Seqno:    seqno,
		LastFrag: true,
		Metadata: meta,
		Payload:  []byte("x"),
	}
}

func TestSinglePartitioner(t *testing.T) {
	p, err := NewPartitioner("single", 4)
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		resp, err := p.Partition(shardEvent(i, "s"+strconv.FormatUint(i, 10)), 0)
		require.NoError(t, err)
		assert.Equal(t, 0, resp.Partition)
		assert.False(t, resp.Critical)
	}
}

func TestHashPartitionerStable(t *testing.T) {
	p, err := NewPartitioner("hash", 4)
	require.NoError(t, err)

	first, err := p.Partition(shardEvent(1, "users"), 0)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		resp, err := p.Partition(shardEvent(uint64(i), "users"), i%4)
		require.NoError(t, err)
		assert.Equal(t, first.Partition, resp.Partition, "same shard must always route alike")
		assert.False(t, resp.Critical)
	}
	assert.Less(t, first.Partition, 4)
	assert.GreaterOrEqual(t, first.Partition, 0)
}

func TestHashPartitionerCriticalShards(t *testing.T) {
	p, err := NewPartitioner("hash", 4)
	require.NoError(t, err)

	// No shard key: serialize.
	resp, err := p.Partition(shardEvent(1, ""), 0)
	require.NoError(t, err)
	assert.True(t, resp.Critical)

	// Unknown shard marker: serialize.
	resp, err = p.Partition(shardEvent(2, event.ShardUnknown), 0)
	require.NoError(t, err)
	assert.True(t, resp.Critical)
}

func TestRoundRobinPartitioner(t *testing.T) {
	p, err := NewPartitioner("roundrobin", 3)
	require.NoError(t, err)

	for i := uint64(0); i < 9; i++ {
		resp, err := p.Partition(shardEvent(i, ""), 0)
		require.NoError(t, err)
		assert.Equal(t, int(i%3), resp.Partition)
		assert.False(t, resp.Critical)
	}
}

func TestUnknownPartitionerName(t *testing.T) {
	_, err := NewPartitioner("teleport", 2)
	assert.Error(t, err)
}

func TestRegisterCustomPartitioner(t *testing.T) {
	RegisterPartitioner("test-always-one", func(partitions int) (Partitioner, error) {
		return partitionFunc(func(ev *event.Event, taskID int) (Response, error) {
			return Response{Partition: 1}, nil
		}), nil
	})

	p, err := NewPartitioner("test-always-one", 2)
	require.NoError(t, err)
	resp, err := p.Partition(shardEvent(1, "x"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Partition)
}

// partitionFunc adapts a function to the Partitioner interface.
type partitionFunc func(ev *event.Event, taskID int) (Response, error)

func (f partitionFunc) Partition(ev *event.Event, taskID int) (Response, error) {
	return f(ev, taskID)
}
