package invalidator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// snapshotVersion is the current snapshot format version.
	snapshotVersion = 1

	// rowRecordSize is maker (20) + slot (8, big-endian) + word (32).
	rowRecordSize = common.AddressLength + 8 + 32

	headerSize   = 1 + 8
	checksumSize = 32
)

// ErrSnapshotChecksum is returned when a snapshot's content does not match its checksum.
var ErrSnapshotChecksum = errors.New("invalidator: snapshot checksum mismatch")

// WriteSnapshot writes every row of s to w.
// Format (before zstd): u8 version | u64 count | count * record | blake3(preceding bytes)
// Rows are sorted by (maker, slot) so equal tables produce equal snapshots.
func WriteSnapshot(w io.Writer, s Snapshotter) error {
	rows, err := s.Rows()
	if err != nil {
		return fmt.Errorf("collect rows: %w", err)
	}
	compressed, err := compressSnapshot(encodeRows(rows))
	if err != nil {
		return err
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes and verifies a snapshot produced by WriteSnapshot.
func ReadSnapshot(r io.Reader) ([]Row, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	data, err := decompressSnapshot(compressed)
	if err != nil {
		return nil, err
	}
	return decodeRows(data)
}

// ImportSnapshot merges a snapshot into s. Bits already set in s stay set.
func ImportSnapshot(r io.Reader, s Snapshotter) (int, error) {
	rows, err := ReadSnapshot(r)
	if err != nil {
		return 0, err
	}
	if err := s.Merge(rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func encodeRows(rows []Row) []byte {
	sortRows(rows)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(rows)*rowRecordSize + checksumSize)
	buf.WriteByte(snapshotVersion)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(len(rows)))
	buf.Write(u64[:])

	for _, r := range rows {
		buf.Write(r.Maker.Bytes())
		binary.BigEndian.PutUint64(u64[:], r.Slot)
		buf.Write(u64[:])
		word := r.Word.Bytes32()
		buf.Write(word[:])
	}

	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func decodeRows(data []byte) ([]Row, error) {
	if len(data) < headerSize+checksumSize {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}

	body, sum := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	want := blake3.Sum256(body)
	if !bytes.Equal(want[:], sum) {
		return nil, ErrSnapshotChecksum
	}

	if v := body[0]; v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", v)
	}
	count := binary.BigEndian.Uint64(body[1:headerSize])
	records := body[headerSize:]
	if count > uint64(len(records))/rowRecordSize || uint64(len(records)) != count*rowRecordSize {
		return nil, fmt.Errorf("snapshot declares %d rows but carries %d bytes", count, len(records))
	}

	rows := make([]Row, 0, count)
	for off := 0; off < len(records); off += rowRecordSize {
		rec := records[off : off+rowRecordSize]
		rows = append(rows, Row{
			Maker: common.BytesToAddress(rec[:20]),
			Slot:  binary.BigEndian.Uint64(rec[20:28]),
			Word:  BitmapFromBytes32(rec[28:]),
		})
	}
	return rows, nil
}

func compressSnapshot(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

func decompressSnapshot(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	return out, nil
}
