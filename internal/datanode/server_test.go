package datanode

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hexasan/godfs/internal/codec"
	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/config"
)

type fakeCall struct {
	mu    sync.Mutex
	calls []fakeCallRecord
	done  chan struct{} // closed-ish: one signal per expected call
	fn    func(addr, method string, args, reply any) error
}

type fakeCallRecord struct {
	Addr   string
	Method string
	Args   any
}

func newFakeCall(expected int, fn func(addr, method string, args, reply any) error) *fakeCall {
	return &fakeCall{done: make(chan struct{}, expected), fn: fn}
}

func (f *fakeCall) call(addr, method string, args, reply any, timeout time.Duration) error {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCallRecord{Addr: addr, Method: method, Args: args})
	f.mu.Unlock()
	var err error
	if f.fn != nil {
		err = f.fn(addr, method, args, reply)
	}
	f.done <- struct{}{}
	return err
}

func (f *fakeCall) wait(t *testing.T, n int) []fakeCallRecord {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for call %d of %d", i+1, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCallRecord(nil), f.calls...)
}

func newTestDataNode(t *testing.T) *Server {
	t.Helper()
	store := newTestStore(t)
	cfg := config.DataNodeConfig{
		Endpoint:            "localhost:8100",
		NameNodeEndpoint:    "localhost:8000",
		HeartbeatInterval:   time.Second,
		BlockReportInterval: time.Second,
		RPCTimeout:          time.Second,
	}
	cfg.ReplicationBackoff.Attempts = 1
	cfg.ReplicationBackoff.Base = time.Millisecond
	cfg.ReplicationBackoff.Cap = time.Millisecond
	cfg.ReplicationBackoff.Multiplier = 2
	return NewServer(store, cfg)
}

func TestWriteBlockFansOutAndConfirms(t *testing.T) {
	server := newTestDataNode(t)
	fake := newFakeCall(2, nil)
	server.call = fake.call

	data := []byte("block data")
	args := common.WriteBlockRequest{
		BlockID:  "f1-0",
		Path:     "/x",
		Data:     data,
		Checksum: codec.Checksum(data),
		Replicas: []string{"localhost:8101"},
	}
	var reply common.WriteBlockReply
	if err := server.WriteBlock(args, &reply); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	// The ack happens before the fan-out; the block must already be
	// durable locally.
	if _, _, err := server.store.Get("f1-0"); err != nil {
		t.Fatalf("block not stored before ack: %v", err)
	}

	calls := fake.wait(t, 2)
	push, confirm := calls[0], calls[1]
	if push.Addr != "localhost:8101" || push.Method != "DataNode.WriteBlock" {
		t.Fatalf("unexpected push: %+v", push)
	}
	pushed := push.Args.(common.WriteBlockRequest)
	if len(pushed.Replicas) != 0 {
		t.Fatalf("push must not chain further replicas: %v", pushed.Replicas)
	}
	if confirm.Addr != "localhost:8000" || confirm.Method != "NameNode.ConfirmReplica" {
		t.Fatalf("unexpected confirm: %+v", confirm)
	}
	confirmed := confirm.Args.(common.ConfirmReplicaRequest)
	if confirmed.Address != "localhost:8101" || confirmed.BlockID != "f1-0" || confirmed.Path != "/x" {
		t.Fatalf("unexpected confirm args: %+v", confirmed)
	}
}

// A push that exhausts its retries leaves the block below its factor
// with nobody the wiser unless the node reports; the report is what
// lets the namenode schedule healing for the gap.
func TestFailedPushTriggersBlockReport(t *testing.T) {
	server := newTestDataNode(t)

	fake := newFakeCall(2, func(addr, method string, args, reply any) error {
		if method == "DataNode.WriteBlock" {
			return common.ErrRPCTimeout
		}
		return nil
	})
	server.call = fake.call

	data := []byte("block data")
	args := common.WriteBlockRequest{
		BlockID:  "f1-0",
		Path:     "/x",
		Data:     data,
		Checksum: codec.Checksum(data),
		Replicas: []string{"localhost:8101"},
	}
	var reply common.WriteBlockReply
	if err := server.WriteBlock(args, &reply); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	calls := fake.wait(t, 2)
	if calls[0].Addr != "localhost:8101" || calls[0].Method != "DataNode.WriteBlock" {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	report := calls[1]
	if report.Addr != "localhost:8000" || report.Method != "NameNode.ReportBlocks" {
		t.Fatalf("failed push must be followed by a block report, got %+v", report)
	}
	reported := report.Args.(common.ReportBlocksRequest)
	if len(reported.BlockIDs) != 1 || reported.BlockIDs[0] != "f1-0" {
		t.Fatalf("report should list the held block: %v", reported.BlockIDs)
	}
	for _, call := range calls {
		if call.Method == "NameNode.ConfirmReplica" {
			t.Fatal("failed push must not be confirmed")
		}
	}
}

func TestWriteBlockRejectsCorruptPush(t *testing.T) {
	server := newTestDataNode(t)
	server.call = newFakeCall(0, nil).call

	args := common.WriteBlockRequest{
		BlockID:  "f1-0",
		Data:     []byte("data"),
		Checksum: 999,
	}
	var reply common.WriteBlockReply
	if err := server.WriteBlock(args, &reply); !errors.Is(err, common.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestReplicatePushesStoredBlock(t *testing.T) {
	server := newTestDataNode(t)

	data := []byte("held block")
	checksum := codec.Checksum(data)
	if err := server.store.Put("f1-0", data, checksum); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fake := newFakeCall(1, nil)
	server.call = fake.call

	var reply common.ReplicateReply
	err := server.Replicate(common.ReplicateRequest{
		BlockID: "f1-0",
		Path:    "/x",
		Target:  "localhost:8102",
	}, &reply)
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	calls := fake.wait(t, 1)
	if calls[0].Addr != "localhost:8102" || calls[0].Method != "DataNode.WriteBlock" {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	pushed := calls[0].Args.(common.WriteBlockRequest)
	if pushed.Checksum != checksum || string(pushed.Data) != string(data) {
		t.Fatal("replicate pushed wrong payload")
	}
}

func TestReplicateMissingBlock(t *testing.T) {
	server := newTestDataNode(t)
	server.call = newFakeCall(0, nil).call

	var reply common.ReplicateReply
	err := server.Replicate(common.ReplicateRequest{BlockID: "nope", Target: "localhost:8102"}, &reply)
	if !errors.Is(err, common.ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestBlockReportDeletesOrphansAndPullsMissing(t *testing.T) {
	server := newTestDataNode(t)

	orphan := []byte("orphan")
	if err := server.store.Put("stray-0", orphan, codec.Checksum(orphan)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	wanted := []byte("wanted block")
	wantedChecksum := codec.Checksum(wanted)

	// Report -> namenode answers: stray-0 is orphaned, f1-0 is missing
	// and held by 8101. Pull -> 8101 returns the block. Confirm.
	fake := newFakeCall(3, func(addr, method string, args, reply any) error {
		switch method {
		case "NameNode.ReportBlocks":
			r := reply.(*common.ReportBlocksReply)
			r.Orphans = []string{"stray-0"}
			r.Missing = []common.MissingBlock{{
				BlockID:  "f1-0",
				Path:     "/x",
				Checksum: wantedChecksum,
				Sources:  []string{"localhost:8101"},
			}}
		case "DataNode.ReadBlock":
			r := reply.(*common.ReadBlockReply)
			r.Data = wanted
			r.Checksum = wantedChecksum
		}
		return nil
	})
	server.call = fake.call

	if err := server.sendBlockReport(); err != nil {
		t.Fatalf("sendBlockReport: %v", err)
	}

	calls := fake.wait(t, 3)
	if calls[1].Addr != "localhost:8101" || calls[1].Method != "DataNode.ReadBlock" {
		t.Fatalf("expected pull from 8101, got %+v", calls[1])
	}
	confirm := calls[2].Args.(common.ConfirmReplicaRequest)
	if confirm.Address != server.endpoint || confirm.BlockID != "f1-0" {
		t.Fatalf("unexpected confirm: %+v", confirm)
	}

	if _, _, err := server.store.Get("stray-0"); !errors.Is(err, common.ErrBlockNotFound) {
		t.Fatal("orphan not deleted")
	}
	got, _, err := server.store.Get("f1-0")
	if err != nil || string(got) != string(wanted) {
		t.Fatalf("missing block not recovered: %q %v", got, err)
	}
}

func TestPullBlockSkipsBadSource(t *testing.T) {
	server := newTestDataNode(t)

	data := []byte("good copy")
	checksum := codec.Checksum(data)

	fake := newFakeCall(3, func(addr, method string, args, reply any) error {
		switch addr {
		case "localhost:8101":
			return common.ErrBlockNotFound
		case "localhost:8102":
			r := reply.(*common.ReadBlockReply)
			r.Data = data
			r.Checksum = checksum
		}
		return nil
	})
	server.call = fake.call

	server.pullBlock(common.MissingBlock{
		BlockID:  "f1-0",
		Path:     "/x",
		Checksum: checksum,
		Sources:  []string{"localhost:8101", "localhost:8102"},
	})

	fake.wait(t, 3) // failed pull, good pull, confirm
	got, _, err := server.store.Get("f1-0")
	if err != nil || string(got) != string(data) {
		t.Fatalf("block not recovered from second source: %q %v", got, err)
	}
}
