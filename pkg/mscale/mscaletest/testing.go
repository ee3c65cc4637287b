// Package mscaletest provides the small harness tests across the module
// build on: spinning up a handful of loopback-connected Clusters, waiting
// on a callback with a timeout, and dumping goroutine stacks on a stuck
// test, mirroring the teacher's own test/testing.go helpers.
package mscaletest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jabolina/go-mscale/pkg/mscale"
	"github.com/jabolina/go-mscale/pkg/mscale/internal/logging"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// DefaultCookie is the handshake cookie shared by every harness cluster;
// tests never exercise cookie mismatch here; that belongs to core's own
// handshake tests.
var DefaultCookie = []byte("mscaletest-cookie")

// ClusterSet is a group of Clusters wired together as a star: every
// non-master cluster is connected directly to cluster[0], the master,
// which is what most scenarios need.
type ClusterSet struct {
	T        *testing.T
	Clusters []*mscale.Cluster
	addrs    []string
}

// NewClusterSet builds n clusters (id 1..n, cluster[0] is the master) each
// listening on an ephemeral loopback port, then connects every worker to
// the master.
func NewClusterSet(t *testing.T, n int) *ClusterSet {
	t.Helper()
	set := &ClusterSet{T: t}
	for i := 0; i < n; i++ {
		id := types.NodeID(i + 1)
		role := types.RoleWorker
		if i == 0 {
			role = types.RoleMaster
		}
		log := logging.NewDefaultLogger(logrus.Fields{"node": id, "role": role})
		c := mscale.NewCluster(mscale.Config{ID: id, Role: role, Cookie: DefaultCookie, Logger: log})
		addr := listenEphemeral(t, c)
		set.Clusters = append(set.Clusters, c)
		set.addrs = append(set.addrs, addr)
	}
	for i := 1; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := set.Clusters[0].AddWorker(ctx, types.NodeID(i+1), set.addrs[i]); err != nil {
			cancel()
			t.Fatalf("mscaletest: master dial worker %d: %v", i+1, err)
		}
		cancel()
	}
	return set
}

func listenEphemeral(t *testing.T, c *mscale.Cluster) string {
	t.Helper()
	if err := c.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("mscaletest: listen: %v", err)
	}
	return c.Addr()
}

// Master returns the first cluster in the set.
func (s *ClusterSet) Master() *mscale.Cluster { return s.Clusters[0] }

// Shutdown tears down every cluster in the set concurrently and waits for
// all of them to finish.
func (s *ClusterSet) Shutdown() {
	var wg sync.WaitGroup
	for _, c := range s.Clusters {
		wg.Add(1)
		go func(c *mscale.Cluster) {
			defer wg.Done()
			_, _ = c.Shutdown().Fetch(context.Background())
		}(c)
	}
	wg.Wait()
}

// WaitThisOrTimeout runs cb in a goroutine and reports whether it finished
// before duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// PrintStackTrace dumps every goroutine's stack as a test failure, for
// diagnosing a scenario that deadlocked instead of returning.
func PrintStackTrace(t *testing.T) {
	t.Helper()
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// EchoArgs is a trivial registered function used across tests: it returns
// its argument tuple unchanged, or an error if told to via a leading
// "fail" string sentinel.
func EchoArgs(args []interface{}) (interface{}, error) {
	if len(args) > 0 {
		if s, ok := args[0].(string); ok && s == "fail" {
			return nil, fmt.Errorf("mscaletest: EchoArgs asked to fail")
		}
	}
	return args, nil
}
