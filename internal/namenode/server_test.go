package namenode

import (
	"context"
	"testing"
	"time"

	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/retry"
)

func newTestServer(t *testing.T, nodes ...string) (*Server, *Registry, *Metadata) {
	t.Helper()
	registry := NewRegistry(30 * time.Second)
	for _, addr := range nodes {
		registry.Register(addr)
	}
	meta, _ := newTestMetadata(t)
	backoff := retry.Policy{Attempts: 1, Base: time.Millisecond, Cap: time.Millisecond, Multiplier: 2}
	planner := NewPlanner(registry, meta, 2, backoff, time.Second)
	server := NewServer(registry, meta, planner, 2, 5*time.Minute)
	return server, registry, meta
}

func TestGetFileFiltersDeadReplicas(t *testing.T) {
	server, registry, meta := newTestServer(t, "localhost:8100", "localhost:8101")
	ctx := context.Background()

	blocks := []common.BlockDescriptor{
		{BlockID: "f1-0", Replicas: []string{"localhost:8100", "localhost:8101"}, Status: common.BlockOK},
		{BlockID: "f1-1", Replicas: []string{"localhost:8101"}, Status: common.BlockOK},
	}
	meta.CreateOrUpdateFile(ctx, "/x", "f1", blocks, 200)

	registry.mu.Lock()
	registry.nodes["localhost:8101"].Status = common.NodeDead
	registry.mu.Unlock()

	var reply common.GetFileReply
	if err := server.GetFile(common.GetFileRequest{Path: "/x"}, &reply); err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	first := reply.Record.Blocks[0]
	if len(first.Replicas) != 1 || first.Replicas[0] != "localhost:8100" {
		t.Fatalf("dead replica not filtered: %v", first.Replicas)
	}
	second := reply.Record.Blocks[1]
	if len(second.Replicas) != 0 || second.Status != common.BlockLost {
		t.Fatalf("block with no live replica should surface as LOST: %+v", second)
	}
}

func TestReportBlocksOrphanGrace(t *testing.T) {
	server, _, _ := newTestServer(t, "localhost:8100")

	current := time.Now()
	server.now = func() time.Time { return current }

	report := common.ReportBlocksRequest{
		Address:  "localhost:8100",
		BlockIDs: []string{"stray-0"},
	}

	// First sighting only starts the clock.
	var reply common.ReportBlocksReply
	if err := server.ReportBlocks(report, &reply); err != nil {
		t.Fatalf("ReportBlocks: %v", err)
	}
	if len(reply.Orphans) != 0 {
		t.Fatalf("orphan swept before grace period: %v", reply.Orphans)
	}

	// Within the grace period: still not swept.
	current = current.Add(time.Minute)
	reply = common.ReportBlocksReply{}
	server.ReportBlocks(report, &reply)
	if len(reply.Orphans) != 0 {
		t.Fatalf("orphan swept within grace period: %v", reply.Orphans)
	}

	// Past the grace period: returned for deletion.
	current = current.Add(5 * time.Minute)
	reply = common.ReportBlocksReply{}
	server.ReportBlocks(report, &reply)
	if len(reply.Orphans) != 1 || reply.Orphans[0] != "stray-0" {
		t.Fatalf("expected stray-0 swept, got %v", reply.Orphans)
	}
}

func TestReportBlocksReferencedBlockIsNeverOrphaned(t *testing.T) {
	server, _, meta := newTestServer(t, "localhost:8100")
	ctx := context.Background()

	blocks := []common.BlockDescriptor{
		{BlockID: "f1-0", Replicas: []string{"localhost:8100"}, Status: common.BlockOK},
	}
	meta.CreateOrUpdateFile(ctx, "/x", "f1", blocks, 100)

	current := time.Now()
	server.now = func() time.Time { return current }

	report := common.ReportBlocksRequest{Address: "localhost:8100", BlockIDs: []string{"f1-0"}}
	for i := 0; i < 3; i++ {
		var reply common.ReportBlocksReply
		if err := server.ReportBlocks(report, &reply); err != nil {
			t.Fatalf("ReportBlocks: %v", err)
		}
		if len(reply.Orphans) != 0 {
			t.Fatalf("referenced block marked orphan: %v", reply.Orphans)
		}
		current = current.Add(10 * time.Minute)
	}
}

func TestReportBlocksConfirmsUnlistedReplica(t *testing.T) {
	server, _, meta := newTestServer(t, "localhost:8100", "localhost:8101")
	ctx := context.Background()

	blocks := []common.BlockDescriptor{
		{BlockID: "f1-0", Replicas: []string{"localhost:8100"}, Status: common.BlockUnderReplicated},
	}
	meta.CreateOrUpdateFile(ctx, "/x", "f1", blocks, 100)

	// 8101 holds a copy the namespace does not know about yet.
	var reply common.ReportBlocksReply
	err := server.ReportBlocks(common.ReportBlocksRequest{
		Address:  "localhost:8101",
		BlockIDs: []string{"f1-0"},
	}, &reply)
	if err != nil {
		t.Fatalf("ReportBlocks: %v", err)
	}

	record, _ := meta.GetFile(ctx, "/x")
	if len(record.Blocks[0].Replicas) != 2 {
		t.Fatalf("reported copy not recorded: %v", record.Blocks[0].Replicas)
	}
	if record.Blocks[0].Status != common.BlockOK {
		t.Fatalf("block should be OK at factor 2, got %s", record.Blocks[0].Status)
	}
}

func TestReportBlocksReturnsMissingWithSources(t *testing.T) {
	server, _, meta := newTestServer(t, "localhost:8100", "localhost:8101")
	ctx := context.Background()

	blocks := []common.BlockDescriptor{
		{BlockID: "f1-0", Checksum: 7, Replicas: []string{"localhost:8100", "localhost:8101"}, Status: common.BlockOK},
	}
	meta.CreateOrUpdateFile(ctx, "/x", "f1", blocks, 100)

	// 8101 is recorded as a holder but reports an empty disk.
	var reply common.ReportBlocksReply
	err := server.ReportBlocks(common.ReportBlocksRequest{
		Address:  "localhost:8101",
		BlockIDs: nil,
	}, &reply)
	if err != nil {
		t.Fatalf("ReportBlocks: %v", err)
	}
	if len(reply.Missing) != 1 {
		t.Fatalf("expected 1 missing block, got %v", reply.Missing)
	}
	missing := reply.Missing[0]
	if missing.BlockID != "f1-0" || missing.Path != "/x" || missing.Checksum != 7 {
		t.Fatalf("unexpected missing entry: %+v", missing)
	}
	if len(missing.Sources) != 1 || missing.Sources[0] != "localhost:8100" {
		t.Fatalf("sources should be the other alive holder: %v", missing.Sources)
	}
}

// A fan-out push that exhausts its retries leaves the target absent
// from the replica list, so it never appears in Missing. The report
// from any node must hand such blocks to the planner instead.
func TestReportBlocksSchedulesHealingForUnconfirmedPush(t *testing.T) {
	server, _, meta := newTestServer(t, "localhost:8100", "localhost:8101")
	ctx := context.Background()

	blocks := []common.BlockDescriptor{
		{BlockID: "f1-0", Replicas: []string{"localhost:8100"}, Status: common.BlockUnderReplicated},
	}
	meta.CreateOrUpdateFile(ctx, "/x", "f1", blocks, 100)

	var reply common.ReportBlocksReply
	err := server.ReportBlocks(common.ReportBlocksRequest{
		Address:  "localhost:8100",
		BlockIDs: []string{"f1-0"},
	}, &reply)
	if err != nil {
		t.Fatalf("ReportBlocks: %v", err)
	}
	if len(reply.Missing) != 0 {
		t.Fatalf("the unconfirmed target is not a recorded holder, Missing should be empty: %v", reply.Missing)
	}

	select {
	case task := <-server.planner.queue:
		if task.Path != "/x" || task.BlockID != "f1-0" {
			t.Fatalf("unexpected heal task: %+v", task)
		}
	default:
		t.Fatal("under-replicated block was not handed to the planner")
	}
}

func TestReportBlocksSkipsHealingWithoutSpareNodes(t *testing.T) {
	server, _, meta := newTestServer(t, "localhost:8100")
	ctx := context.Background()

	// One alive node, factor two: no node can receive another copy,
	// so queueing a heal would only churn.
	blocks := []common.BlockDescriptor{
		{BlockID: "f1-0", Replicas: []string{"localhost:8100"}, Status: common.BlockUnderReplicated},
	}
	meta.CreateOrUpdateFile(ctx, "/x", "f1", blocks, 100)

	var reply common.ReportBlocksReply
	err := server.ReportBlocks(common.ReportBlocksRequest{
		Address:  "localhost:8100",
		BlockIDs: []string{"f1-0"},
	}, &reply)
	if err != nil {
		t.Fatalf("ReportBlocks: %v", err)
	}

	select {
	case task := <-server.planner.queue:
		t.Fatalf("heal queued with no node able to take a copy: %+v", task)
	default:
	}
}

func TestClusterStatusCounts(t *testing.T) {
	server, _, meta := newTestServer(t, "localhost:8100", "localhost:8101")
	ctx := context.Background()

	meta.CreateOrUpdateFile(ctx, "/ok", "f1", []common.BlockDescriptor{
		{BlockID: "f1-0", Replicas: []string{"localhost:8100", "localhost:8101"}, Status: common.BlockOK},
	}, 100)
	meta.CreateOrUpdateFile(ctx, "/thin", "f2", []common.BlockDescriptor{
		{BlockID: "f2-0", Replicas: []string{"localhost:8100"}, Status: common.BlockUnderReplicated},
	}, 100)
	meta.CreateOrUpdateFile(ctx, "/gone", "f3", []common.BlockDescriptor{
		{BlockID: "f3-0", Replicas: []string{"localhost:9999"}, Status: common.BlockLost},
	}, 100)

	var reply common.ClusterStatusReply
	if err := server.ClusterStatus(common.ClusterStatusRequest{}, &reply); err != nil {
		t.Fatalf("ClusterStatus: %v", err)
	}
	if reply.Files != 3 || reply.Blocks != 3 {
		t.Fatalf("expected 3 files / 3 blocks, got %d / %d", reply.Files, reply.Blocks)
	}
	if reply.UnderReplicated != 1 || reply.Lost != 1 {
		t.Fatalf("expected 1 under-replicated and 1 lost, got %d / %d",
			reply.UnderReplicated, reply.Lost)
	}
	if len(reply.Nodes) != 2 {
		t.Fatalf("expected 2 node entries, got %v", reply.Nodes)
	}
}

func TestRegisterRejectsBadEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	var reply common.RegisterReply
	if err := server.Register(common.RegisterRequest{Address: "not an endpoint"}, &reply); err == nil {
		t.Fatal("expected rejection of malformed endpoint")
	}
}
