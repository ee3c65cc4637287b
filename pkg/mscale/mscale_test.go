package mscale_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/go-mscale/pkg/mscale/mscaletest"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// This exercises the full stack over real TCP connections: handshake with a
// shared cookie, admission into the process group, and RPC dispatch across
// the wire codec, the way a real deployment would run it.
func Test_MasterCallsWorkerOverTCP(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 2)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	worker := set.Clusters[1]
	worker.Register("double", func(args []interface{}) (interface{}, error) {
		n, _ := args[0].(int64)
		if n == 0 {
			if i, ok := args[0].(int); ok {
				n = int64(i)
			}
		}
		return n * 2, nil
	})

	v, err := master.RemoteCallFetch(context.Background(), "double", worker.MyID(), 21)
	if err != nil {
		t.Fatalf("call_fetch: %v", err)
	}
	n, _ := v.(int64)
	if n == 0 {
		if i, ok := v.(int); ok {
			n = int64(i)
		}
	}
	if n != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

func Test_RemoteCallFutureRoundTrip(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 2)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	worker := set.Clusters[1]
	worker.Register("echo", mscaletest.EchoArgs)

	future, err := master.RemoteCall(context.Background(), "echo", worker.MyID(), "hello")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	v, err := future.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	args, ok := v.([]interface{})
	if !ok || len(args) != 1 || args[0] != "hello" {
		t.Fatalf("got %v", v)
	}
}

func Test_RemoteDoRunsOnWorker(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 2)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	worker := set.Clusters[1]
	done := make(chan struct{})
	worker.Register("signal", func(args []interface{}) (interface{}, error) {
		close(done)
		return nil, nil
	})

	if err := master.RemoteDo("signal", worker.MyID(), nil); err != nil {
		t.Fatalf("remote_do: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("remote_do function did not run on the worker")
	}
}

func Test_RemoteChannelAcrossTCP(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 2)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	worker := set.Clusters[1]

	ch, err := master.NewRemoteChannel(worker.MyID(), 1)
	if err != nil {
		t.Fatalf("new remote channel: %v", err)
	}
	if err := ch.Put(context.Background(), "wire-value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := ch.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if v != "wire-value" {
		t.Fatalf("got %v", v)
	}
}

func Test_ExceptionPropagatesAcrossTCP(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 2)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	worker := set.Clusters[1]
	worker.Register("fail", mscaletest.EchoArgs)

	_, err := master.RemoteCallFetch(context.Background(), "fail", worker.MyID(), "fail")
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func Test_ThreeNodeClusterWorkersReportedOnMaster(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 3)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	workers := master.Workers()
	if len(workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(workers))
	}
	seen := map[types.NodeID]bool{}
	for _, w := range workers {
		seen[w] = true
	}
	if !seen[2] || !seen[3] {
		t.Fatalf("expected workers 2 and 3, got %v", workers)
	}
}

func Test_MetricsCountRPCCalls(t *testing.T) {
	set := mscaletest.NewClusterSet(t, 2)
	defer func() {
		if !mscaletest.WaitThisOrTimeout(set.Shutdown, 5*time.Second) {
			t.Error("failed shutdown cluster set")
			mscaletest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	}()

	master := set.Master()
	worker := set.Clusters[1]
	worker.Register("noop", mscaletest.EchoArgs)

	if _, err := master.RemoteCallFetch(context.Background(), "noop", worker.MyID()); err != nil {
		t.Fatalf("call_fetch: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		m := master.Metrics()
		if m != nil {
			found := false
			for key := range m.Counters {
				if strings.Contains(key, "call_fetch") {
					found = true
				}
			}
			if found {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("call_fetch counter never appeared in metrics")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
