package common

import "time"

type NodeStatus string

const (
	NodeAlive NodeStatus = "ALIVE"
	NodeDead  NodeStatus = "DEAD"
)

// NodeRecord is the registry's view of a single datanode.
// Records are never removed; a dead node stays visible until restart.
type NodeRecord struct {
	Address       string
	LastHeartbeat time.Time
	Status        NodeStatus
}

type BlockStatus string

const (
	BlockOK              BlockStatus = "OK"
	BlockUnderReplicated BlockStatus = "UNDER_REPLICATED"
	// BlockLost means no alive node holds a replica. The data is gone
	// unless the holder comes back; this is surfaced, never healed silently.
	BlockLost BlockStatus = "LOST"
)

// BlockDescriptor describes one block of a file. BlockID is globally
// unique (fileID + sequence), so block content is write-once and pushes
// of the same block are idempotent.
type BlockDescriptor struct {
	BlockID  string
	Seq      int
	Size     int64
	Checksum uint32
	Replicas []string
	Status   BlockStatus
}

type FileRecord struct {
	Path       string
	FileID     string
	Blocks     []BlockDescriptor
	TotalSize  int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	Parent     string
}

type DirEntry struct {
	Name       string
	IsDir      bool
	Size       int64
	ModifiedAt time.Time
}

// Namenode RPC surface.

type RegisterRequest struct {
	Address string
}

type RegisterReply struct {
	Nodes []NodeRecord
}

type HeartbeatRequest struct {
	Address string
	SentAt  time.Time
}

type HeartbeatReply struct{}

type PlaceBlocksRequest struct {
	Count             int
	ReplicationFactor int
}

type PlaceBlocksReply struct {
	// One replica set per block, primary first.
	Placements [][]string
}

type CreateFileRequest struct {
	Path      string
	FileID    string
	Blocks    []BlockDescriptor
	TotalSize int64
}

type CreateFileReply struct{}

type GetFileRequest struct {
	Path string
}

type GetFileReply struct {
	Record FileRecord
}

type DeleteFileRequest struct {
	Path string
}

type DeleteFileReply struct {
	// Blocks released by the delete, so the caller can free storage.
	Blocks []BlockDescriptor
}

type MakeDirectoryRequest struct {
	Path string
}

type MakeDirectoryReply struct{}

type ListDirectoryRequest struct {
	Path string
}

type ListDirectoryReply struct {
	Entries []DirEntry
}

type DeleteDirectoryRequest struct {
	Path      string
	Recursive bool
}

type DeleteDirectoryReply struct {
	FilesRemoved int
	Blocks       []BlockDescriptor
}

type ReplicaLocationsRequest struct {
	BlockID string
}

type ReplicaLocationsReply struct {
	Path     string
	Checksum uint32
	Replicas []string
}

type ConfirmReplicaRequest struct {
	Path    string
	BlockID string
	Address string
}

type ConfirmReplicaReply struct{}

type ReportBlocksRequest struct {
	Address  string
	BlockIDs []string
}

// MissingBlock is a block the reporting node is recorded as holding but
// did not report; it should pull a copy from one of Sources.
type MissingBlock struct {
	BlockID  string
	Path     string
	Checksum uint32
	Sources  []string
}

type ReportBlocksReply struct {
	// Orphans are reported blocks no file references anymore; the
	// datanode is free to delete them.
	Orphans []string
	Missing []MissingBlock
}

type ClusterStatusRequest struct{}

type NodeStatusEntry struct {
	Address          string
	Status           NodeStatus
	SinceLastContact time.Duration
}

type ClusterStatusReply struct {
	Files           int
	Blocks          int
	UnderReplicated int
	Lost            int
	Nodes           []NodeStatusEntry
}

// Datanode RPC surface.

type WriteBlockRequest struct {
	BlockID  string
	Path     string
	Data     []byte
	Checksum uint32
	// Remaining replica targets; the receiving node pushes the block to
	// these asynchronously after acknowledging the write.
	Replicas []string
}

type WriteBlockReply struct{}

type ReadBlockRequest struct {
	BlockID string
}

type ReadBlockReply struct {
	Data     []byte
	Checksum uint32
}

type ReplicateRequest struct {
	BlockID string
	Path    string
	Target  string
}

type ReplicateReply struct{}

type DeleteBlocksRequest struct {
	BlockIDs []string
}

type DeleteBlocksReply struct{}

type PingRequest struct{}

type PingReply struct{}
