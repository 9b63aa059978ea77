// Package datanode implements local block storage and the datanode
// side of the write, read and replication protocols.
package datanode

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hexasan/godfs/internal/codec"
	"github.com/hexasan/godfs/internal/common"
)

const blockSuffix = ".blk"

// Store persists blocks under one directory. Each block file carries a
// 4-byte big-endian crc32c header followed by the data, so the recorded
// checksum survives restarts and detects on-disk corruption.
type Store struct {
	dir   string
	locks sync.Map // blockID -> *sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) blockLock(blockID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(blockID, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

func (s *Store) path(blockID string) string {
	return filepath.Join(s.dir, blockID+blockSuffix)
}

// Put writes the block durably and atomically: temp file, fsync,
// rename. Nothing is visible until the rename. Writes to the same
// block ID are serialized; distinct blocks proceed in parallel.
func (s *Store) Put(blockID string, data []byte, checksum uint32) error {
	if codec.Checksum(data) != checksum {
		return common.ErrChecksumMismatch
	}

	mu := s.blockLock(blockID)
	mu.Lock()
	defer mu.Unlock()

	finalPath := s.path(blockID)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create block file: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], checksum)
	if _, err := f.Write(header[:]); err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write block file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit block file: %w", err)
	}
	return nil
}

// Get returns the block data and its recorded checksum, verifying the
// data against it first. Corruption is surfaced so the caller can fall
// back to another replica.
func (s *Store) Get(blockID string) ([]byte, uint32, error) {
	raw, err := os.ReadFile(s.path(blockID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, common.ErrBlockNotFound
		}
		return nil, 0, err
	}
	if len(raw) < 4 {
		return nil, 0, common.ErrCorruptBlock
	}
	checksum := binary.BigEndian.Uint32(raw[:4])
	data := raw[4:]
	if codec.Checksum(data) != checksum {
		return nil, 0, common.ErrCorruptBlock
	}
	return data, checksum, nil
}

func (s *Store) Delete(blockID string) error {
	mu := s.blockLock(blockID)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(s.path(blockID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the IDs of every committed block on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, blockSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, blockSuffix))
	}
	return ids, nil
}
