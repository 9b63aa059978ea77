// Package codec splits files into fixed-size blocks and reassembles
// them, verifying per-block checksums.
package codec

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hexasan/godfs/internal/common"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

type Block struct {
	Seq      int
	Data     []byte
	Checksum uint32
}

// Split reads r into blocks of at most blockSize bytes. The last block
// may be short. Empty input yields no blocks.
func Split(r io.Reader, blockSize int64) ([]Block, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	var blocks []Block
	for seq := 0; ; seq++ {
		buf := make([]byte, blockSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			blocks = append(blocks, Block{
				Seq:      seq,
				Data:     data,
				Checksum: Checksum(data),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Join writes blocks to w in the order given, verifying each block
// against its checksum first. Callers are expected to pass blocks in
// sequence order.
func Join(w io.Writer, blocks []Block) error {
	for _, b := range blocks {
		if Checksum(b.Data) != b.Checksum {
			return fmt.Errorf("block %d: %w", b.Seq, common.ErrCorruptBlock)
		}
		if _, err := w.Write(b.Data); err != nil {
			return err
		}
	}
	return nil
}
