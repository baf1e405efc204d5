// Package snapshot exports and restores the full record store as a
// compressed, versioned stream.
package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/quietpay/quietpay/internal/store"
)

var ErrInvalidSnapshot = errors.New("snapshot: invalid snapshot stream")

var magic = []byte("QPSNAP")

const formatVersion = 1

// Export writes every record in the store to w. The stream starts with a
// plaintext magic and version, followed by an lzma-compressed record list.
func Export(ctx context.Context, s *store.Store, w io.Writer) error {
	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := w.Write([]byte{formatVersion}); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	records, err := allRecords(s)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(records)))
	body.Write(lenBuf[:])

	for _, kv := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kv[0])))
		body.Write(lenBuf[:])
		body.Write(kv[0])
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kv[1])))
		body.Write(lenBuf[:])
		body.Write(kv[1])
	}

	lw, err := lzma.NewWriter(w)
	if err != nil {
		return fmt.Errorf("init compressor: %w", err)
	}
	if _, err := lw.Write(body.Bytes()); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := lw.Close(); err != nil {
		return fmt.Errorf("finish snapshot: %w", err)
	}
	return nil
}

// Restore reads a snapshot stream and writes all its records into the
// store in one batch.
func Restore(ctx context.Context, s *store.Store, r io.Reader) error {
	header := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: short header", ErrInvalidSnapshot)
	}
	if !bytes.Equal(header[:len(magic)], magic) {
		return fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	if header[len(magic)] != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, header[len(magic)])
	}

	lr, err := lzma.NewReader(r)
	if err != nil {
		return fmt.Errorf("init decompressor: %w", err)
	}
	body, err := io.ReadAll(lr)
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}

	if len(body) < 4 {
		return fmt.Errorf("%w: truncated body", ErrInvalidSnapshot)
	}
	count := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	batch := make([][2][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, rest, err := readChunk(body)
		if err != nil {
			return err
		}
		value, rest, err := readChunk(rest)
		if err != nil {
			return err
		}
		body = rest
		batch = append(batch, [2][]byte{key, value})
	}
	if len(body) != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrInvalidSnapshot)
	}

	if err := s.WriteBatch(batch); err != nil {
		return fmt.Errorf("restore records: %w", err)
	}
	return s.Sync()
}

func readChunk(body []byte) ([]byte, []byte, error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated record", ErrInvalidSnapshot)
	}
	n := binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	if uint32(len(body)) < n {
		return nil, nil, fmt.Errorf("%w: truncated record", ErrInvalidSnapshot)
	}
	chunk := make([]byte, n)
	copy(chunk, body[:n])
	return chunk, body[n:], nil
}

func allRecords(s *store.Store) ([][2][]byte, error) {
	var out [][2][]byte

	vault, err := s.Read(store.VaultKey())
	if err == nil {
		out = append(out, [2][]byte{store.VaultKey(), vault})
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	for _, prefix := range [][]byte{store.BusinessPrefix(), store.EmployeePrefix()} {
		records, err := s.ReadPrefix(prefix)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}
