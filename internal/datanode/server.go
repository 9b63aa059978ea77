package datanode

import (
	"log/slog"
	"time"

	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/config"
	"github.com/hexasan/godfs/internal/retry"
	"github.com/hexasan/godfs/internal/rpcutil"
)

// CallFunc issues one RPC; injectable for tests.
type CallFunc func(addr, method string, args, reply any, timeout time.Duration) error

// Server is the datanode RPC service, registered as "DataNode". It
// also runs the heartbeat and block-report background loops.
type Server struct {
	store *Store

	endpoint         string
	nameNodeEndpoint string

	heartbeatInterval   time.Duration
	blockReportInterval time.Duration
	rpcTimeout          time.Duration
	backoff             retry.Policy

	call CallFunc
	done chan struct{}
}

func NewServer(store *Store, cfg config.DataNodeConfig) *Server {
	return &Server{
		store:               store,
		endpoint:            cfg.Endpoint,
		nameNodeEndpoint:    cfg.NameNodeEndpoint,
		heartbeatInterval:   cfg.HeartbeatInterval,
		blockReportInterval: cfg.BlockReportInterval,
		rpcTimeout:          cfg.RPCTimeout,
		backoff: retry.Policy{
			Attempts:   cfg.ReplicationBackoff.Attempts,
			Base:       cfg.ReplicationBackoff.Base,
			Cap:        cfg.ReplicationBackoff.Cap,
			Multiplier: cfg.ReplicationBackoff.Multiplier,
		},
		call: rpcutil.Call,
		done: make(chan struct{}),
	}
}

// WriteBlock persists the block and acknowledges only after it is
// durable. Storage failures are returned to the caller, not retried
// here: a local durability problem is for the caller to route around.
// Remaining replica targets are fanned out to asynchronously.
func (s *Server) WriteBlock(args common.WriteBlockRequest, reply *common.WriteBlockReply) error {
	slog.Info("WriteBlock request", "blockID", args.BlockID, "bytes", len(args.Data),
		"replicas", len(args.Replicas))

	if err := s.store.Put(args.BlockID, args.Data, args.Checksum); err != nil {
		slog.Error("WriteBlock failed", "blockID", args.BlockID, "error", err)
		return err
	}

	if len(args.Replicas) > 0 {
		go s.fanOut(args)
	}
	return nil
}

// fanOut pushes a freshly written block to the remaining placement
// targets, confirming each copy to the namenode. Pushes are
// idempotent (block IDs are write-once), so retries are safe.
func (s *Server) fanOut(args common.WriteBlockRequest) {
	for _, target := range args.Replicas {
		push := common.WriteBlockRequest{
			BlockID:  args.BlockID,
			Path:     args.Path,
			Data:     args.Data,
			Checksum: args.Checksum,
		}
		err := s.backoff.Do(func() error {
			var reply common.WriteBlockReply
			return s.call(target, "DataNode.WriteBlock", push, &reply, s.rpcTimeout)
		})
		if err != nil {
			slog.Error("replica push failed", "blockID", args.BlockID, "target", target, "error", err)
			// Report now so the namenode schedules healing for the
			// gap instead of it waiting for the next interval.
			if reportErr := s.sendBlockReport(); reportErr != nil {
				slog.Error("block report after failed push", "error", reportErr)
			}
			continue
		}
		s.confirmReplica(args.Path, args.BlockID, target)
	}
}

func (s *Server) confirmReplica(path, blockID, address string) {
	err := s.backoff.Do(func() error {
		var reply common.ConfirmReplicaReply
		return s.call(s.nameNodeEndpoint, "NameNode.ConfirmReplica", common.ConfirmReplicaRequest{
			Path:    path,
			BlockID: blockID,
			Address: address,
		}, &reply, s.rpcTimeout)
	})
	if err != nil {
		// The next block report reconciles it.
		slog.Error("cannot confirm replica", "blockID", blockID, "address", address, "error", err)
	}
}

func (s *Server) ReadBlock(args common.ReadBlockRequest, reply *common.ReadBlockReply) error {
	slog.Info("ReadBlock request", "blockID", args.BlockID)
	data, checksum, err := s.store.Get(args.BlockID)
	if err != nil {
		slog.Error("ReadBlock failed", "blockID", args.BlockID, "error", err)
		return err
	}
	reply.Data = data
	reply.Checksum = checksum
	return nil
}

// Replicate pushes a locally held block to another datanode, retrying
// with backoff. Exhaustion is reported to the caller (the planner).
func (s *Server) Replicate(args common.ReplicateRequest, reply *common.ReplicateReply) error {
	slog.Info("Replicate request", "blockID", args.BlockID, "target", args.Target)

	data, checksum, err := s.store.Get(args.BlockID)
	if err != nil {
		return err
	}
	push := common.WriteBlockRequest{
		BlockID:  args.BlockID,
		Path:     args.Path,
		Data:     data,
		Checksum: checksum,
	}
	return s.backoff.Do(func() error {
		var writeReply common.WriteBlockReply
		return s.call(args.Target, "DataNode.WriteBlock", push, &writeReply, s.rpcTimeout)
	})
}

func (s *Server) DeleteBlocks(args common.DeleteBlocksRequest, reply *common.DeleteBlocksReply) error {
	slog.Info("DeleteBlocks request", "blocks", len(args.BlockIDs))
	for _, blockID := range args.BlockIDs {
		if err := s.store.Delete(blockID); err != nil {
			slog.Error("cannot delete block", "blockID", blockID, "error", err)
		}
	}
	return nil
}

func (s *Server) Ping(args common.PingRequest, reply *common.PingReply) error {
	return nil
}

// Run starts the heartbeat and block-report loops.
func (s *Server) Run() {
	go s.heartbeatLoop()
	go s.blockReportLoop()
}

func (s *Server) Stop() {
	close(s.done)
}

// heartbeatLoop sends periodic heartbeats to the namenode. After a
// failure or at startup it first re-registers and sends a block report,
// the datanode-restart path. Namenode unreachability is never fatal.
func (s *Server) heartbeatLoop() {
	lastHeartbeatSucceeded := false
	for {
		if !lastHeartbeatSucceeded {
			if !s.register() {
				slog.Error("failed to register with namenode")
				if !s.sleep(s.heartbeatInterval) {
					return
				}
				continue
			}
			if err := s.sendBlockReport(); err != nil {
				slog.Error("failed to send block report", "error", err)
			}
		}

		var reply common.HeartbeatReply
		err := s.call(s.nameNodeEndpoint, "NameNode.Heartbeat", common.HeartbeatRequest{
			Address: s.endpoint,
			SentAt:  time.Now(),
		}, &reply, s.rpcTimeout)

		if err != nil {
			slog.Error("heartbeat failed", "error", err)
			lastHeartbeatSucceeded = false
		} else {
			if !lastHeartbeatSucceeded {
				slog.Info("heartbeat established", "endpoint", s.endpoint)
			}
			lastHeartbeatSucceeded = true
		}

		if !s.sleep(s.heartbeatInterval) {
			return
		}
	}
}

func (s *Server) register() bool {
	slog.Info("registering with namenode",
		"nameNodeEndpoint", s.nameNodeEndpoint, "dataNodeEndpoint", s.endpoint)

	var reply common.RegisterReply
	err := s.backoff.Do(func() error {
		return s.call(s.nameNodeEndpoint, "NameNode.Register", common.RegisterRequest{
			Address: s.endpoint,
		}, &reply, s.rpcTimeout)
	})
	if err != nil {
		slog.Error("registration failed", "error", err)
		return false
	}
	return true
}

func (s *Server) blockReportLoop() {
	for {
		if !s.sleep(s.blockReportInterval) {
			return
		}
		if err := s.sendBlockReport(); err != nil {
			slog.Error("block report failed", "error", err)
		}
	}
}

// sendBlockReport reports held blocks and acts on the reconciliation
/// answer: orphans are deleted, gaps are pulled back from live peers.
func (s *Server) sendBlockReport() error {
	blockIDs, err := s.store.List()
	if err != nil {
		return err
	}

	var reply common.ReportBlocksReply
	err = s.call(s.nameNodeEndpoint, "NameNode.ReportBlocks", common.ReportBlocksRequest{
		Address:  s.endpoint,
		BlockIDs: blockIDs,
	}, &reply, s.rpcTimeout)
	if err != nil {
		return err
	}

	if len(reply.Orphans) > 0 {
		slog.Info("deleting orphaned blocks", "count", len(reply.Orphans))
		for _, blockID := range reply.Orphans {
			if err := s.store.Delete(blockID); err != nil {
				slog.Error("cannot delete orphan", "blockID", blockID, "error", err)
			}
		}
	}

	for _, missing := range reply.Missing {
		s.pullBlock(missing)
	}
	return nil
}

// pullBlock restores one missing replica: ask a live holder for the
// block, verify it against the recorded checksum, store it, confirm.
// Re-issuing the same pull after a timeout causes no harm.
func (s *Server) pullBlock(missing common.MissingBlock) {
	for _, source := range missing.Sources {
		var reply common.ReadBlockReply
		err := s.call(source, "DataNode.ReadBlock", common.ReadBlockRequest{
			BlockID: missing.BlockID,
		}, &reply, s.rpcTimeout)
		if err != nil {
			slog.Error("pull failed", "blockID", missing.BlockID, "source", source, "error", err)
			continue
		}
		if reply.Checksum != missing.Checksum {
			slog.Error("pulled block has wrong checksum", "blockID", missing.BlockID, "source", source)
			continue
		}
		if err := s.store.Put(missing.BlockID, reply.Data, reply.Checksum); err != nil {
			slog.Error("cannot store pulled block", "blockID", missing.BlockID, "error", err)
			return
		}
		slog.Info("recovered missing block", "blockID", missing.BlockID, "source", source)
		s.confirmReplica(missing.Path, missing.BlockID, s.endpoint)
		return
	}
}

// sleep waits d or until Stop; false means shutting down.
func (s *Server) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.done:
		return false
	}
}
