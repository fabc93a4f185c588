package filecache

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// disk stores promoted entries as zstd frames under dir.
type disk struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newDisk(dir string) (*disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &disk{dir: dir, enc: enc, dec: dec}, nil
}

// path names the file for key by its BLAKE3 digest, so keys never reach
// the filesystem verbatim.
func (d *disk) path(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".zst")
}

// write stores data atomically (temp file then rename).
func (d *disk) write(key string, data []byte) error {
	compressed := d.enc.EncodeAll(data, make([]byte, 0, len(data)/2))

	tmp, err := os.CreateTemp(d.dir, ".fc-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, d.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (d *disk) read(key string) ([]byte, error) {
	compressed, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, err
	}
	data, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return data, nil
}

func (d *disk) remove(key string) error {
	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *disk) close() {
	d.enc.Close()
	d.dec.Close()
}
