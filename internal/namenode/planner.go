package namenode

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/retry"
	"github.com/hexasan/godfs/internal/rpcutil"
)

// CallFunc issues one RPC; injectable so planner tests run without a
// live datanode fleet.
type CallFunc func(addr, method string, args, reply any, timeout time.Duration) error

type healTask struct {
	Path    string
	BlockID string
}

// Planner assigns blocks to datanodes on write and restores the
// replication factor when nodes die or blocks go under-replicated.
type Planner struct {
	registry *Registry
	meta     *Metadata

	replicationFactor int
	backoff           retry.Policy
	rpcTimeout        time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	call CallFunc

	queue chan healTask
	done  chan struct{}
}

func NewPlanner(registry *Registry, meta *Metadata, replicationFactor int, backoff retry.Policy, rpcTimeout time.Duration) *Planner {
	return &Planner{
		registry:          registry,
		meta:              meta,
		replicationFactor: replicationFactor,
		backoff:           backoff,
		rpcTimeout:        rpcTimeout,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		call:              rpcutil.Call,
		queue:             make(chan healTask, 1024),
		done:              make(chan struct{}),
	}
}

// Seed makes placement deterministic; used by tests.
func (p *Planner) Seed(seed int64) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	p.rng = rand.New(rand.NewSource(seed))
}

// PlaceBlocks chooses a replica set for each of count blocks: up to
// replicationFactor nodes drawn uniformly at random, without
// replacement within a set, from the current ALIVE set. Fewer alive
// nodes than the factor truncates the set; healing restores the factor
// once nodes return. Zero alive nodes fails with ErrInsufficientNodes.
func (p *Planner) PlaceBlocks(count, replicationFactor int) ([][]string, error) {
	if replicationFactor <= 0 {
		replicationFactor = p.replicationFactor
	}
	alive := p.registry.AliveNodes()
	if len(alive) == 0 {
		return nil, common.ErrInsufficientNodes
	}

	addrs := make([]string, len(alive))
	for i, node := range alive {
		addrs[i] = node.Address
	}

	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	placements := make([][]string, count)
	for i := range placements {
		shuffled := make([]string, len(addrs))
		copy(shuffled, addrs)
		p.rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		n := replicationFactor
		if n > len(shuffled) {
			n = len(shuffled)
		}
		placements[i] = shuffled[:n]
	}
	return placements, nil
}

// OnNodeDead is wired as the registry's dead-node callback. It scans
// the namespace for blocks the dead node held and schedules healing for
// every one that dropped below the replication factor.
func (p *Planner) OnNodeDead(address string) {
	go p.scheduleRepairs(address)
}

func (p *Planner) scheduleRepairs(address string) {
	ctx := context.Background()
	records, err := p.meta.AllFiles(ctx)
	if err != nil {
		slog.Error("cannot scan namespace for repairs", "error", err, "deadNode", address)
		return
	}
	alive := p.registry.AliveSet()

	for _, record := range records {
		for _, block := range record.Blocks {
			if !contains(block.Replicas, address) {
				continue
			}
			liveCount := 0
			for _, replica := range block.Replicas {
				if alive[replica] {
					liveCount++
				}
			}
			switch {
			case liveCount == 0:
				p.markLost(ctx, record.Path, block.BlockID)
			case liveCount < p.replicationFactor:
				p.enqueue(healTask{Path: record.Path, BlockID: block.BlockID})
			}
		}
	}
}

// RequestHeal schedules healing for one block. Callers may request
// blocks that are already queued or already at the factor; the heal
// pass re-checks the record and settles the status either way.
func (p *Planner) RequestHeal(path, blockID string) {
	p.enqueue(healTask{Path: path, BlockID: blockID})
}

func (p *Planner) enqueue(task healTask) {
	select {
	case p.queue <- task:
	default:
		// Queue full; the block stays flagged and a later scan or
		// block report will re-trigger healing.
		slog.Error("healing queue full, dropping task", "path", task.Path, "blockID", task.BlockID)
	}
}

// Run starts the healing workers. Stop shuts them down.
func (p *Planner) Run(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
}

func (p *Planner) Stop() {
	close(p.done)
}

func (p *Planner) worker() {
	for {
		select {
		case task := <-p.queue:
			err := p.backoff.Do(func() error {
				return p.heal(context.Background(), task)
			})
			if err != nil {
				// Out of attempts: flag the block and re-queue rather
				// than drop, so the gap stays visible and retried.
				slog.Error("healing failed, requeueing", "path", task.Path,
					"blockID", task.BlockID, "error", err)
				p.flagUnderReplicated(context.Background(), task)
				time.AfterFunc(p.backoff.Cap, func() { p.enqueue(task) })
			}
		case <-p.done:
			return
		}
	}
}

// heal restores one replica of one block: any alive holder pushes a
// copy to an alive node that has none. Block content is immutable per
// block ID, so the source choice has no consistency impact and a
// re-issued push after a timeout is harmless.
func (p *Planner) heal(ctx context.Context, task healTask) error {
	record, err := p.meta.GetFile(ctx, task.Path)
	if err != nil {
		// File deleted since scheduling; nothing to heal.
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	var block common.BlockDescriptor
	found := false
	for _, b := range record.Blocks {
		if b.BlockID == task.BlockID {
			block, found = b, true
			break
		}
	}
	if !found {
		return nil
	}

	alive := p.registry.AliveSet()
	var holders, candidates []string
	for _, replica := range block.Replicas {
		if alive[replica] {
			holders = append(holders, replica)
		}
	}
	if len(holders) == 0 {
		p.markLost(ctx, task.Path, task.BlockID)
		return nil
	}
	if len(holders) >= p.replicationFactor {
		return p.meta.UpdateBlock(ctx, task.Path, task.BlockID, func(b *common.BlockDescriptor) {
			b.Status = common.BlockOK
		})
	}
	for addr := range alive {
		if !contains(block.Replicas, addr) {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return common.ErrInsufficientNodes
	}

	p.rngMu.Lock()
	source := holders[p.rng.Intn(len(holders))]
	target := candidates[p.rng.Intn(len(candidates))]
	p.rngMu.Unlock()

	slog.Info("healing block", "blockID", task.BlockID, "source", source, "target", target)

	var reply common.ReplicateReply
	err = p.call(source, "DataNode.Replicate", common.ReplicateRequest{
		BlockID: task.BlockID,
		Path:    task.Path,
		Target:  target,
	}, &reply, p.rpcTimeout)
	if err != nil {
		return err
	}

	if err := p.meta.AddReplica(ctx, task.Path, task.BlockID, target, p.replicationFactor); err != nil {
		return err
	}
	// One pass restores one copy; keep the task queued until the
	// factor is reached.
	if len(holders)+1 < p.replicationFactor {
		p.enqueue(task)
	}
	return nil
}

func (p *Planner) markLost(ctx context.Context, path, blockID string) {
	slog.Error("block has no alive replicas", "path", path, "blockID", blockID)
	err := p.meta.UpdateBlock(ctx, path, blockID, func(b *common.BlockDescriptor) {
		b.Status = common.BlockLost
	})
	if err != nil {
		slog.Error("cannot flag lost block", "path", path, "blockID", blockID, "error", err)
	}
}

func (p *Planner) flagUnderReplicated(ctx context.Context, task healTask) {
	err := p.meta.UpdateBlock(ctx, task.Path, task.BlockID, func(b *common.BlockDescriptor) {
		if b.Status != common.BlockLost {
			b.Status = common.BlockUnderReplicated
		}
	})
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		slog.Error("cannot flag under-replicated block",
			"path", task.Path, "blockID", task.BlockID, "error", err)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
