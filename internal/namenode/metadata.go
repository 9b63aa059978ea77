package namenode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/kv"
)

// Key layout in the backing store. Tombstones make recursive deletes
// recoverable: a crash between staging and commit replays to "deleted".
const (
	fileKeyPrefix = "file/"
	dirKeyPrefix  = "dir/"
	tombKeyPrefix = "tomb/"
)

type dirRecord struct {
	CreatedAt time.Time
}

// Metadata owns the file-to-block-placement namespace, persisted
// through the key-value interface. Writers are serialized per path;
// readers never take the per-path write locks.
type Metadata struct {
	store kv.Store
	locks sync.Map // path -> *sync.Mutex

	now func() time.Time
}

func NewMetadata(ctx context.Context, store kv.Store) (*Metadata, error) {
	m := &Metadata{store: store, now: time.Now}
	if err := m.replayTombstones(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metadata) pathLock(path string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(path, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

// replayTombstones finishes any directory delete interrupted by a
// crash. Commit rolls forward: staged records are removed, not revived.
func (m *Metadata) replayTombstones(ctx context.Context) error {
	tombs, err := m.store.ScanPrefix(ctx, tombKeyPrefix)
	if err != nil {
		return err
	}
	for _, tomb := range tombs {
		path := strings.TrimPrefix(tomb.Key, tombKeyPrefix)
		if err := m.store.Delete(ctx, fileKeyPrefix+path); err != nil {
			return err
		}
		if err := m.store.Delete(ctx, dirKeyPrefix+path); err != nil {
			return err
		}
		if err := m.store.Delete(ctx, tomb.Key); err != nil {
			return err
		}
		slog.Info("replayed staged delete", "path", path)
	}
	return nil
}

// CreateOrUpdateFile commits the block list for path. Concurrent
// writers to the same path race for the per-path lock; the loser fails
// with ErrPathConflict instead of corrupting the record.
func (m *Metadata) CreateOrUpdateFile(ctx context.Context, path, fileID string, blocks []common.BlockDescriptor, totalSize int64) (common.FileRecord, error) {
	path = common.NormalizePath(path)
	if path == "/" {
		return common.FileRecord{}, fmt.Errorf("cannot write to the namespace root: %w", common.ErrPathConflict)
	}

	mu := m.pathLock(path)
	if !mu.TryLock() {
		return common.FileRecord{}, common.ErrPathConflict
	}
	defer mu.Unlock()

	now := m.now()
	record := common.FileRecord{
		Path:       path,
		FileID:     fileID,
		Blocks:     blocks,
		TotalSize:  totalSize,
		CreatedAt:  now,
		ModifiedAt: now,
		Parent:     common.ParentPath(path),
	}
	if prev, ok, err := m.loadFile(ctx, path); err != nil {
		return common.FileRecord{}, err
	} else if ok {
		record.CreatedAt = prev.CreatedAt
	}

	if err := m.saveFile(ctx, record); err != nil {
		return common.FileRecord{}, err
	}
	return record, nil
}

func (m *Metadata) GetFile(ctx context.Context, path string) (common.FileRecord, error) {
	path = common.NormalizePath(path)
	record, ok, err := m.loadFile(ctx, path)
	if err != nil {
		return common.FileRecord{}, err
	}
	if !ok {
		return common.FileRecord{}, common.ErrNotFound
	}
	return record, nil
}

// DeleteFile removes the record and returns the blocks it referenced,
// which become garbage once no record points at them.
func (m *Metadata) DeleteFile(ctx context.Context, path string) ([]common.BlockDescriptor, error) {
	path = common.NormalizePath(path)

	mu := m.pathLock(path)
	mu.Lock()
	defer mu.Unlock()

	record, ok, err := m.loadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrNotFound
	}
	if err := m.store.Delete(ctx, fileKeyPrefix+path); err != nil {
		return nil, err
	}
	return record.Blocks, nil
}

// MakeDirectory creates an explicit directory record so that empty
// directories exist and list as such. The parent must already exist.
func (m *Metadata) MakeDirectory(ctx context.Context, path string) error {
	path = common.NormalizePath(path)
	if path == "/" {
		return common.ErrDirectoryExists
	}
	exists, err := m.pathExists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return common.ErrDirectoryExists
	}
	parent := common.ParentPath(path)
	if parent != "" && parent != "/" {
		parentExists, err := m.pathExists(ctx, parent)
		if err != nil {
			return err
		}
		if !parentExists {
			return fmt.Errorf("parent %q: %w", parent, common.ErrNotFound)
		}
	}
	raw, err := json.Marshal(dirRecord{CreatedAt: m.now()})
	if err != nil {
		return err
	}
	return m.store.Set(ctx, dirKeyPrefix+path, raw)
}

// ListDirectory returns the immediate children of path: files plus
// subdirectories, the latter both explicit (mkdir) and synthetic
// (derived from deeper file paths). The scan takes no per-path write
// locks, so it never blocks concurrent writers.
func (m *Metadata) ListDirectory(ctx context.Context, path string) ([]common.DirEntry, error) {
	path = common.NormalizePath(path)

	if path != "/" {
		exists, err := m.pathExists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, common.ErrNotFound
		}
	}

	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}

	seen := make(map[string]common.DirEntry)

	files, err := m.store.ScanPrefix(ctx, fileKeyPrefix+prefix)
	if err != nil {
		return nil, err
	}
	for _, entry := range files {
		rel := strings.TrimPrefix(entry.Key, fileKeyPrefix+prefix)
		if rel == "" {
			continue
		}
		if name, _, nested := strings.Cut(rel, "/"); nested {
			seen[name] = common.DirEntry{Name: name, IsDir: true}
		} else {
			var record common.FileRecord
			if err := json.Unmarshal(entry.Value, &record); err != nil {
				return nil, err
			}
			seen[name] = common.DirEntry{
				Name:       name,
				Size:       record.TotalSize,
				ModifiedAt: record.ModifiedAt,
			}
		}
	}

	dirs, err := m.store.ScanPrefix(ctx, dirKeyPrefix+prefix)
	if err != nil {
		return nil, err
	}
	for _, entry := range dirs {
		rel := strings.TrimPrefix(entry.Key, dirKeyPrefix+prefix)
		if rel == "" {
			continue
		}
		name, _, _ := strings.Cut(rel, "/")
		if existing, ok := seen[name]; !ok || existing.IsDir {
			seen[name] = common.DirEntry{Name: name, IsDir: true}
		}
	}

	entries := make([]common.DirEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// DeleteDirectory removes path and, recursively, everything under it.
// Removal is staged: every matched record is first written under a
// tombstone key, then the live keys are deleted, then the tombstones.
// A crash mid-way is replayed forward on startup, so the caller never
// observes a half-deleted tree.
func (m *Metadata) DeleteDirectory(ctx context.Context, path string, recursive bool) (int, []common.BlockDescriptor, error) {
	path = common.NormalizePath(path)
	if path == "/" {
		return 0, nil, fmt.Errorf("cannot delete the namespace root: %w", common.ErrDirectoryNotEmpty)
	}
	exists, err := m.pathExists(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	if !exists {
		return 0, nil, common.ErrNotFound
	}

	prefix := path + "/"
	for {
		files, err := m.store.ScanPrefix(ctx, fileKeyPrefix+prefix)
		if err != nil {
			return 0, nil, err
		}
		dirs, err := m.store.ScanPrefix(ctx, dirKeyPrefix+prefix)
		if err != nil {
			return 0, nil, err
		}
		if !recursive && (len(files) > 0 || len(dirs) > 0) {
			return 0, nil, common.ErrDirectoryNotEmpty
		}

		// Serialize against writers of every file being removed. Lock
		// in sorted key order so two overlapping deletes cannot
		// deadlock.
		filePaths := make([]string, 0, len(files))
		for _, entry := range files {
			filePaths = append(filePaths, strings.TrimPrefix(entry.Key, fileKeyPrefix))
		}
		sort.Strings(filePaths)
		held := make([]*sync.Mutex, 0, len(filePaths))
		for _, p := range filePaths {
			mu := m.pathLock(p)
			mu.Lock()
			held = append(held, mu)
		}
		unlock := func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Unlock()
			}
		}

		// A create can commit between the scan and the locks. Re-scan
		// with the locks held; if the tree changed, release and start
		// over so the newcomer is locked and removed too.
		filesNow, err := m.store.ScanPrefix(ctx, fileKeyPrefix+prefix)
		if err != nil {
			unlock()
			return 0, nil, err
		}
		dirsNow, err := m.store.ScanPrefix(ctx, dirKeyPrefix+prefix)
		if err != nil {
			unlock()
			return 0, nil, err
		}
		if !sameKeys(files, filesNow) || !sameKeys(dirs, dirsNow) {
			unlock()
			continue
		}

		removed, released, err := m.removeTreeLocked(ctx, path, filesNow, dirsNow)
		unlock()
		return removed, released, err
	}
}

func sameKeys(a, b []kv.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key {
			return false
		}
	}
	return true
}

// removeTreeLocked stages and commits the delete of path and the given
// entries. The per-path locks of every file entry must be held.
func (m *Metadata) removeTreeLocked(ctx context.Context, path string, files, dirs []kv.Entry) (int, []common.BlockDescriptor, error) {
	var released []common.BlockDescriptor

	// Stage.
	for _, entry := range files {
		p := strings.TrimPrefix(entry.Key, fileKeyPrefix)
		if err := m.store.Set(ctx, tombKeyPrefix+p, entry.Value); err != nil {
			return 0, nil, err
		}
		var record common.FileRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return 0, nil, err
		}
		released = append(released, record.Blocks...)
	}
	for _, entry := range dirs {
		p := strings.TrimPrefix(entry.Key, dirKeyPrefix)
		if err := m.store.Set(ctx, tombKeyPrefix+p, entry.Value); err != nil {
			return 0, nil, err
		}
	}
	if err := m.store.Set(ctx, tombKeyPrefix+path, []byte("{}")); err != nil {
		return 0, nil, err
	}

	// Commit.
	for _, entry := range files {
		if err := m.store.Delete(ctx, entry.Key); err != nil {
			return 0, nil, err
		}
	}
	for _, entry := range dirs {
		if err := m.store.Delete(ctx, entry.Key); err != nil {
			return 0, nil, err
		}
	}
	if err := m.store.Delete(ctx, dirKeyPrefix+path); err != nil {
		return 0, nil, err
	}
	for _, entry := range files {
		p := strings.TrimPrefix(entry.Key, fileKeyPrefix)
		if err := m.store.Delete(ctx, tombKeyPrefix+p); err != nil {
			return 0, nil, err
		}
	}
	for _, entry := range dirs {
		p := strings.TrimPrefix(entry.Key, dirKeyPrefix)
		if err := m.store.Delete(ctx, tombKeyPrefix+p); err != nil {
			return 0, nil, err
		}
	}
	if err := m.store.Delete(ctx, tombKeyPrefix+path); err != nil {
		return 0, nil, err
	}

	return len(files), released, nil
}

// AllFiles scans the whole namespace. O(n) is fine at this scale and
// the scan holds no per-path locks.
func (m *Metadata) AllFiles(ctx context.Context) ([]common.FileRecord, error) {
	entries, err := m.store.ScanPrefix(ctx, fileKeyPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]common.FileRecord, 0, len(entries))
	for _, entry := range entries {
		var record common.FileRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// UpdateBlock applies fn to one block descriptor and persists the
// record. Unlike client commits this blocks on the per-path lock:
// replica bookkeeping must not be dropped because a writer was active.
func (m *Metadata) UpdateBlock(ctx context.Context, path, blockID string, fn func(*common.BlockDescriptor)) error {
	path = common.NormalizePath(path)

	mu := m.pathLock(path)
	mu.Lock()
	defer mu.Unlock()

	record, ok, err := m.loadFile(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrNotFound
	}
	for i := range record.Blocks {
		if record.Blocks[i].BlockID == blockID {
			fn(&record.Blocks[i])
			return m.saveFile(ctx, record)
		}
	}
	return common.ErrBlockNotFound
}

// AddReplica records addr as a holder of the block. Adding an existing
// holder is a no-op, so confirmations may be retried freely.
func (m *Metadata) AddReplica(ctx context.Context, path, blockID, addr string, replicationFactor int) error {
	return m.UpdateBlock(ctx, path, blockID, func(b *common.BlockDescriptor) {
		for _, existing := range b.Replicas {
			if existing == addr {
				return
			}
		}
		b.Replicas = append(b.Replicas, addr)
		if len(b.Replicas) >= replicationFactor {
			b.Status = common.BlockOK
		}
	})
}

// FindBlock locates the file record referencing blockID.
func (m *Metadata) FindBlock(ctx context.Context, blockID string) (common.FileRecord, common.BlockDescriptor, error) {
	records, err := m.AllFiles(ctx)
	if err != nil {
		return common.FileRecord{}, common.BlockDescriptor{}, err
	}
	for _, record := range records {
		for _, block := range record.Blocks {
			if block.BlockID == blockID {
				return record, block, nil
			}
		}
	}
	return common.FileRecord{}, common.BlockDescriptor{}, common.ErrBlockNotFound
}

func (m *Metadata) loadFile(ctx context.Context, path string) (common.FileRecord, bool, error) {
	raw, ok, err := m.store.Get(ctx, fileKeyPrefix+path)
	if err != nil || !ok {
		return common.FileRecord{}, false, err
	}
	var record common.FileRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return common.FileRecord{}, false, err
	}
	return record, true, nil
}

func (m *Metadata) saveFile(ctx context.Context, record common.FileRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, fileKeyPrefix+record.Path, raw)
}

// pathExists reports whether path names a file, an explicit directory,
// or an implicit directory derived from deeper paths.
func (m *Metadata) pathExists(ctx context.Context, path string) (bool, error) {
	if _, ok, err := m.store.Get(ctx, fileKeyPrefix+path); err != nil || ok {
		return ok, err
	}
	if _, ok, err := m.store.Get(ctx, dirKeyPrefix+path); err != nil || ok {
		return ok, err
	}
	for _, prefix := range []string{fileKeyPrefix, dirKeyPrefix} {
		entries, err := m.store.ScanPrefix(ctx, prefix+path+"/")
		if err != nil {
			return false, err
		}
		if len(entries) > 0 {
			return true, nil
		}
	}
	return false, nil
}
