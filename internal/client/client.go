// Package client implements the read/write protocol: the namenode is
// asked for routing and metadata, block data moves directly between the
// client and the datanodes.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hexasan/godfs/internal/codec"
	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/config"
	"github.com/hexasan/godfs/internal/rpcutil"
)

// CallFunc issues one RPC; injectable for tests.
type CallFunc func(addr, method string, args, reply any, timeout time.Duration) error

type Client struct {
	nameNodeEndpoint  string
	blockSize         int64
	replicationFactor int
	rpcTimeout        time.Duration

	call CallFunc
}

func New(cfg config.ClientConfig) *Client {
	return &Client{
		nameNodeEndpoint:  cfg.NameNodeEndpoint,
		blockSize:         cfg.BlockSize,
		replicationFactor: cfg.ReplicationFactor,
		rpcTimeout:        cfg.RPCTimeout,
		call:              rpcutil.Call,
	}
}

func (c *Client) namenode(method string, args, reply any) error {
	return c.call(c.nameNodeEndpoint, "NameNode."+method, args, reply, c.rpcTimeout)
}

// Put splits localPath into blocks, writes each block to its assigned
// primary datanode, and commits the metadata once every block is
// acknowledged. A failed primary write fails the put with
// ErrWriteFailed: re-placement is the planner's job, not the client's.
// An empty dfsPath stores the file under the namespace root.
func (c *Client) Put(localPath, dfsPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	dfsPath = common.NormalizePath(dfsPath)
	if dfsPath == "/" {
		dfsPath = "/" + filepath.Base(localPath)
	}

	blocks, err := codec.Split(f, c.blockSize)
	if err != nil {
		return err
	}

	var placements [][]string
	if len(blocks) > 0 {
		var reply common.PlaceBlocksReply
		err = c.namenode("PlaceBlocks", common.PlaceBlocksRequest{
			Count:             len(blocks),
			ReplicationFactor: c.replicationFactor,
		}, &reply)
		if err != nil {
			return err
		}
		placements = reply.Placements
	}

	fileID := uuid.NewString()
	descriptors := make([]common.BlockDescriptor, len(blocks))
	var totalSize int64

	for i, block := range blocks {
		blockID := fmt.Sprintf("%s-%d", fileID, block.Seq)
		primary := placements[i][0]

		var reply common.WriteBlockReply
		err := c.call(primary, "DataNode.WriteBlock", common.WriteBlockRequest{
			BlockID:  blockID,
			Path:     dfsPath,
			Data:     block.Data,
			Checksum: block.Checksum,
			Replicas: placements[i][1:],
		}, &reply, c.rpcTimeout)
		if err != nil {
			slog.Error("primary write failed", "blockID", blockID, "primary", primary, "error", err)
			return fmt.Errorf("block %d to %s: %v: %w", block.Seq, primary, err, common.ErrWriteFailed)
		}

		status := common.BlockOK
		if len(placements[i]) > 1 {
			status = common.BlockUnderReplicated // converges as pushes confirm
		}
		descriptors[i] = common.BlockDescriptor{
			BlockID:  blockID,
			Seq:      block.Seq,
			Size:     int64(len(block.Data)),
			Checksum: block.Checksum,
			Replicas: []string{primary},
			Status:   status,
		}
		totalSize += int64(len(block.Data))
	}

	var createReply common.CreateFileReply
	return c.namenode("CreateFile", common.CreateFileRequest{
		Path:      dfsPath,
		FileID:    fileID,
		Blocks:    descriptors,
		TotalSize: totalSize,
	}, &createReply)
}

// Get fetches dfsPath and writes the reassembled bytes to localPath.
// Blocks are read in parallel; each block starts at a replica chosen by
// its sequence number so successive blocks spread across the fleet, and
// falls back through the remaining replicas on failure.
func (c *Client) Get(dfsPath, localPath string) error {
	var reply common.GetFileReply
	if err := c.namenode("GetFile", common.GetFileRequest{Path: dfsPath}, &reply); err != nil {
		return err
	}
	record := reply.Record

	results := make([][]byte, len(record.Blocks))
	errs := make([]error, len(record.Blocks))

	var wg sync.WaitGroup
	for i, block := range record.Blocks {
		wg.Add(1)
		go func(i int, block common.BlockDescriptor) {
			defer wg.Done()
			results[i], errs[i] = c.readBlock(block)
		}(i, block)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	joined := make([]codec.Block, len(record.Blocks))
	for i, block := range record.Blocks {
		joined[i] = codec.Block{Seq: block.Seq, Data: results[i], Checksum: block.Checksum}
	}
	if err := codec.Join(out, joined); err != nil {
		return err
	}
	return out.Sync()
}

func (c *Client) readBlock(block common.BlockDescriptor) ([]byte, error) {
	if len(block.Replicas) == 0 {
		return nil, fmt.Errorf("block %s: %w", block.BlockID, common.ErrNoLiveReplicas)
	}

	// Round-robin across blocks, not retries: block N starts at
	// replica N mod len, so a multi-block read spreads the load.
	start := block.Seq % len(block.Replicas)
	corrupt := false

	for attempt := 0; attempt < len(block.Replicas); attempt++ {
		addr := block.Replicas[(start+attempt)%len(block.Replicas)]

		var reply common.ReadBlockReply
		err := c.call(addr, "DataNode.ReadBlock", common.ReadBlockRequest{BlockID: block.BlockID}, &reply, c.rpcTimeout)
		if err != nil {
			slog.Error("replica read failed", "blockID", block.BlockID, "replica", addr, "error", err)
			continue
		}
		if codec.Checksum(reply.Data) != block.Checksum {
			slog.Error("replica returned corrupt data", "blockID", block.BlockID, "replica", addr)
			corrupt = true
			continue
		}
		return reply.Data, nil
	}

	if corrupt {
		return nil, fmt.Errorf("block %s: %w", block.BlockID, common.ErrCorruptBlock)
	}
	return nil, fmt.Errorf("block %s: %w", block.BlockID, common.ErrFileUnreadable)
}

// Delete removes the file record and best-effort frees its blocks on
// the datanodes; anything missed is swept by orphan collection.
func (c *Client) Delete(dfsPath string) error {
	var reply common.DeleteFileReply
	if err := c.namenode("DeleteFile", common.DeleteFileRequest{Path: dfsPath}, &reply); err != nil {
		return err
	}
	c.freeBlocks(reply.Blocks)
	return nil
}

func (c *Client) Mkdir(dfsPath string) error {
	var reply common.MakeDirectoryReply
	return c.namenode("MakeDirectory", common.MakeDirectoryRequest{Path: dfsPath}, &reply)
}

func (c *Client) List(dfsPath string) ([]common.DirEntry, error) {
	var reply common.ListDirectoryReply
	if err := c.namenode("ListDirectory", common.ListDirectoryRequest{Path: dfsPath}, &reply); err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

func (c *Client) DeleteDirectory(dfsPath string, recursive bool) (int, error) {
	var reply common.DeleteDirectoryReply
	err := c.namenode("DeleteDirectory", common.DeleteDirectoryRequest{
		Path:      dfsPath,
		Recursive: recursive,
	}, &reply)
	if err != nil {
		return 0, err
	}
	c.freeBlocks(reply.Blocks)
	return reply.FilesRemoved, nil
}

func (c *Client) Stat(dfsPath string) (common.FileRecord, error) {
	var reply common.GetFileReply
	if err := c.namenode("GetFile", common.GetFileRequest{Path: dfsPath}, &reply); err != nil {
		return common.FileRecord{}, err
	}
	return reply.Record, nil
}

func (c *Client) ClusterStatus() (common.ClusterStatusReply, error) {
	var reply common.ClusterStatusReply
	if err := c.namenode("ClusterStatus", common.ClusterStatusRequest{}, &reply); err != nil {
		return common.ClusterStatusReply{}, err
	}
	return reply, nil
}

func (c *Client) freeBlocks(blocks []common.BlockDescriptor) {
	perNode := make(map[string][]string)
	for _, block := range blocks {
		for _, replica := range block.Replicas {
			perNode[replica] = append(perNode[replica], block.BlockID)
		}
	}
	for addr, blockIDs := range perNode {
		var reply common.DeleteBlocksReply
		err := c.call(addr, "DataNode.DeleteBlocks", common.DeleteBlocksRequest{BlockIDs: blockIDs}, &reply, c.rpcTimeout)
		if err != nil && !errors.Is(err, common.ErrBlockNotFound) {
			slog.Error("cannot free blocks", "datanode", addr, "error", err)
		}
	}
}
