// Package namenode implements the metadata coordinator: cluster
// membership, the file namespace, and block placement and healing.
package namenode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hexasan/godfs/internal/common"
)

// Server is the namenode RPC facade, registered as "NameNode".
type Server struct {
	registry *Registry
	meta     *Metadata
	planner  *Planner

	replicationFactor int
	orphanGrace       time.Duration

	// First time each unreferenced block ID appeared in a report.
	// Orphans are only reclaimed after the grace period, so a block
	// whose metadata commit is still in flight is not swept.
	orphanMu   sync.Mutex
	orphanSeen map[string]time.Time

	now func() time.Time
}

func NewServer(registry *Registry, meta *Metadata, planner *Planner, replicationFactor int, orphanGrace time.Duration) *Server {
	return &Server{
		registry:          registry,
		meta:              meta,
		planner:           planner,
		replicationFactor: replicationFactor,
		orphanGrace:       orphanGrace,
		orphanSeen:        make(map[string]time.Time),
		now:               time.Now,
	}
}

func (s *Server) Register(args common.RegisterRequest, reply *common.RegisterReply) error {
	slog.Info("Register request", "address", args.Address)
	if !common.IsValidEndpoint(args.Address) {
		return common.ErrUnknownNode
	}
	reply.Nodes = s.registry.Register(args.Address)
	return nil
}

func (s *Server) Heartbeat(args common.HeartbeatRequest, reply *common.HeartbeatReply) error {
	slog.Debug("Heartbeat request", "address", args.Address)
	return s.registry.Heartbeat(args.Address, args.SentAt)
}

func (s *Server) PlaceBlocks(args common.PlaceBlocksRequest, reply *common.PlaceBlocksReply) error {
	slog.Info("PlaceBlocks request", "count", args.Count, "replicationFactor", args.ReplicationFactor)
	placements, err := s.planner.PlaceBlocks(args.Count, args.ReplicationFactor)
	if err != nil {
		slog.Error("PlaceBlocks failed", "error", err)
		return err
	}
	reply.Placements = placements
	return nil
}

func (s *Server) CreateFile(args common.CreateFileRequest, reply *common.CreateFileReply) error {
	slog.Info("CreateFile request", "path", args.Path, "blocks", len(args.Blocks))
	_, err := s.meta.CreateOrUpdateFile(context.Background(), args.Path, args.FileID, args.Blocks, args.TotalSize)
	if err != nil {
		slog.Error("CreateFile failed", "path", args.Path, "error", err)
	}
	return err
}

// GetFile returns the record with each block's replica list filtered to
// alive nodes. A block with no alive replica is reported as LOST rather
// than hidden.
func (s *Server) GetFile(args common.GetFileRequest, reply *common.GetFileReply) error {
	slog.Info("GetFile request", "path", args.Path)
	record, err := s.meta.GetFile(context.Background(), args.Path)
	if err != nil {
		return err
	}
	alive := s.registry.AliveSet()
	for i := range record.Blocks {
		var live []string
		for _, replica := range record.Blocks[i].Replicas {
			if alive[replica] {
				live = append(live, replica)
			}
		}
		record.Blocks[i].Replicas = live
		if len(live) == 0 {
			record.Blocks[i].Status = common.BlockLost
		}
	}
	reply.Record = record
	return nil
}

func (s *Server) DeleteFile(args common.DeleteFileRequest, reply *common.DeleteFileReply) error {
	slog.Info("DeleteFile request", "path", args.Path)
	blocks, err := s.meta.DeleteFile(context.Background(), args.Path)
	if err != nil {
		return err
	}
	reply.Blocks = blocks
	return nil
}

func (s *Server) MakeDirectory(args common.MakeDirectoryRequest, reply *common.MakeDirectoryReply) error {
	slog.Info("MakeDirectory request", "path", args.Path)
	return s.meta.MakeDirectory(context.Background(), args.Path)
}

func (s *Server) ListDirectory(args common.ListDirectoryRequest, reply *common.ListDirectoryReply) error {
	slog.Info("ListDirectory request", "path", args.Path)
	entries, err := s.meta.ListDirectory(context.Background(), args.Path)
	if err != nil {
		return err
	}
	reply.Entries = entries
	return nil
}

func (s *Server) DeleteDirectory(args common.DeleteDirectoryRequest, reply *common.DeleteDirectoryReply) error {
	slog.Info("DeleteDirectory request", "path", args.Path, "recursive", args.Recursive)
	removed, blocks, err := s.meta.DeleteDirectory(context.Background(), args.Path, args.Recursive)
	if err != nil {
		return err
	}
	reply.FilesRemoved = removed
	reply.Blocks = blocks
	return nil
}

// ReplicaLocations answers a "who holds this block" query with the
// alive holders, for recovery tooling and ad-hoc pulls.
func (s *Server) ReplicaLocations(args common.ReplicaLocationsRequest, reply *common.ReplicaLocationsReply) error {
	slog.Info("ReplicaLocations request", "blockID", args.BlockID)
	record, block, err := s.meta.FindBlock(context.Background(), args.BlockID)
	if err != nil {
		return err
	}
	alive := s.registry.AliveSet()
	var live []string
	for _, replica := range block.Replicas {
		if alive[replica] {
			live = append(live, replica)
		}
	}
	reply.Path = record.Path
	reply.Checksum = block.Checksum
	reply.Replicas = live
	return nil
}

func (s *Server) ConfirmReplica(args common.ConfirmReplicaRequest, reply *common.ConfirmReplicaReply) error {
	slog.Info("ConfirmReplica request", "blockID", args.BlockID, "address", args.Address)
	return s.meta.AddReplica(context.Background(), args.Path, args.BlockID, args.Address, s.replicationFactor)
}

// ReportBlocks reconciles a datanode's held blocks with the namespace:
// held-and-referenced blocks are (re)confirmed as replicas, held-but-
// unreferenced blocks older than the grace period are returned for
// deletion, and referenced-but-missing blocks are returned with alive
// sources so the node can pull them back. Referenced blocks sitting
// below the replication factor are handed to the planner for healing.
func (s *Server) ReportBlocks(args common.ReportBlocksRequest, reply *common.ReportBlocksReply) error {
	slog.Info("ReportBlocks request", "address", args.Address, "blocks", len(args.BlockIDs))

	ctx := context.Background()
	records, err := s.meta.AllFiles(ctx)
	if err != nil {
		return err
	}

	type ref struct {
		path     string
		checksum uint32
		replicas []string
	}
	referenced := make(map[string]ref)
	for _, record := range records {
		for _, block := range record.Blocks {
			referenced[block.BlockID] = ref{
				path:     record.Path,
				checksum: block.Checksum,
				replicas: block.Replicas,
			}
		}
	}

	held := make(map[string]bool, len(args.BlockIDs))
	now := s.now()

	s.orphanMu.Lock()
	for _, blockID := range args.BlockIDs {
		held[blockID] = true
		r, ok := referenced[blockID]
		if !ok {
			firstSeen, seen := s.orphanSeen[blockID]
			if !seen {
				s.orphanSeen[blockID] = now
			} else if now.Sub(firstSeen) > s.orphanGrace {
				reply.Orphans = append(reply.Orphans, blockID)
				delete(s.orphanSeen, blockID)
			}
			continue
		}
		delete(s.orphanSeen, blockID)
		if !contains(r.replicas, args.Address) {
			if err := s.meta.AddReplica(ctx, r.path, blockID, args.Address, s.replicationFactor); err != nil {
				slog.Error("cannot confirm reported replica",
					"blockID", blockID, "address", args.Address, "error", err)
			}
		}
	}
	s.orphanMu.Unlock()

	alive := s.registry.AliveSet()
	for blockID, r := range referenced {
		liveCount := 0
		var sources []string
		for _, replica := range r.replicas {
			if !alive[replica] {
				continue
			}
			liveCount++
			if replica != args.Address {
				sources = append(sources, replica)
			}
		}
		// A push that never got confirmed leaves the block below the
		// factor with every holder healthy; reports are the trigger
		// that gets such blocks healed. Skip when no node without a
		// copy is alive to receive one.
		if liveCount > 0 && liveCount < s.replicationFactor && liveCount < len(alive) {
			s.planner.RequestHeal(r.path, blockID)
		}
		if held[blockID] || !contains(r.replicas, args.Address) {
			continue
		}
		if len(sources) == 0 {
			continue
		}
		reply.Missing = append(reply.Missing, common.MissingBlock{
			BlockID:  blockID,
			Path:     r.path,
			Checksum: r.checksum,
			Sources:  sources,
		})
	}
	return nil
}

func (s *Server) ClusterStatus(args common.ClusterStatusRequest, reply *common.ClusterStatusReply) error {
	slog.Info("ClusterStatus request")

	records, err := s.meta.AllFiles(context.Background())
	if err != nil {
		return err
	}
	alive := s.registry.AliveSet()
	reply.Files = len(records)
	for _, record := range records {
		for _, block := range record.Blocks {
			reply.Blocks++
			liveCount := 0
			for _, replica := range block.Replicas {
				if alive[replica] {
					liveCount++
				}
			}
			switch {
			case liveCount == 0:
				reply.Lost++
			case liveCount < s.replicationFactor:
				reply.UnderReplicated++
			}
		}
	}

	now := s.now()
	for _, node := range s.registry.Nodes() {
		reply.Nodes = append(reply.Nodes, common.NodeStatusEntry{
			Address:          node.Address,
			Status:           node.Status,
			SinceLastContact: now.Sub(node.LastHeartbeat),
		})
	}
	return nil
}
