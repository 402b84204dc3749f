package queue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveQueueDepth(t *testing.T) {
	queueDepthValue.Store(0)
	queueDepth.Set(0)

	observeQueueDepth(3)
	require.InDelta(t, 3, testutil.ToFloat64(queueDepth), 0.0001)

	observeQueueDepth(-2)
	require.InDelta(t, 1, testutil.ToFloat64(queueDepth), 0.0001)
}
