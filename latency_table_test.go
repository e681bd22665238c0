package benchproxy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencyTableMergeOnlyLowers(t *testing.T) {
	table := NewLatencyTable(15 * time.Millisecond)

	_, ok := table.Method("eth_call")
	require.False(t, ok)
	require.Equal(t, 15*time.Millisecond, table.MethodOrFloor("eth_call"))

	require.Equal(t, 40*time.Millisecond, table.MergeMethod("eth_call", 40*time.Millisecond))
	require.Equal(t, 40*time.Millisecond, table.MergeMethod("eth_call", 90*time.Millisecond))
	require.Equal(t, 30*time.Millisecond, table.MergeMethod("eth_call", 30*time.Millisecond))

	d, ok := table.Method("eth_call")
	require.True(t, ok)
	require.Equal(t, 30*time.Millisecond, d)

	require.Equal(t, 15*time.Millisecond, table.MergeFloor(20*time.Millisecond))
	require.Equal(t, 5*time.Millisecond, table.MergeFloor(5*time.Millisecond))
	require.Equal(t, 5*time.Millisecond, table.Floor())

	table.MergeBackend("node-b", 12*time.Millisecond)
	table.MergeBackend("node-b", 18*time.Millisecond)
	require.Equal(t, map[string]time.Duration{"node-b": 12 * time.Millisecond}, table.Backends())
	require.Equal(t, map[string]time.Duration{"eth_call": 30 * time.Millisecond}, table.Methods())
}

func TestLatencyTableConcurrentMerges(t *testing.T) {
	table := NewLatencyTable(time.Second)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := time.Duration(i) * time.Millisecond
			table.MergeMethod("eth_blockNumber", d)
			table.MergeBackend("node-b", d)
			table.MergeFloor(d)
		}(i)
	}
	wg.Wait()

	d, ok := table.Method("eth_blockNumber")
	require.True(t, ok)
	require.Equal(t, time.Millisecond, d)
	d, ok = table.Backend("node-b")
	require.True(t, ok)
	require.Equal(t, time.Millisecond, d)
	require.Equal(t, time.Millisecond, table.Floor())
}
