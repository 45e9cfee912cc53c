// Package snapshot provides the fixed bootstrap payload PSYNC's full
// resync sends, and a minimal RDB-subset reader used to seed the keyspace
// from an on-disk dump at startup.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// blobHex is the constant 88-byte RDB-format payload every PSYNC full
// resync sends in place of a real snapshot, matching the reference payload
// the original prototype's replica_request() embeds.
const blobHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// Blob returns the fixed bootstrap payload sent with every FULLRESYNC.
func Blob() []byte {
	b, err := hex.DecodeString(blobHex)
	if err != nil {
		panic("snapshot: invalid embedded blob: " + err.Error())
	}
	return b
}

// opcodes from the minimal RDB subset this reader understands.
const (
	opExpireTimeMs = 0xFC
	opExpireTime   = 0xFD
	opSelectDB     = 0xFE
	opResizeDB     = 0xFB
	opEOF          = 0xFF
	typeString     = 0x00
)

// Entry is one decoded key/value pair from a bootstrap file, with an
// optional absolute expiry.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
	HasExpiry bool
}

// Load reads the RDB-subset file at dir/dbFilename and returns its entries.
// A missing file is not an error: the server simply starts with an empty
// keyspace, the same way a primary with no prior dump does.
func Load(dir, dbFilename string) ([]Entry, error) {
	if dbFilename == "" {
		return nil, nil
	}
	path := filepath.Join(dir, dbFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("snapshot: reading magic header: %w", err)
	}

	var entries []Entry
	var pendingExpiry time.Time
	var hasPendingExpiry bool

	for {
		op, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch op {
		case opEOF:
			return entries, nil

		case opSelectDB:
			if _, err := readLength(r); err != nil {
				return nil, err
			}

		case opResizeDB:
			if _, err := readLength(r); err != nil {
				return nil, err
			}
			if _, err := readLength(r); err != nil {
				return nil, err
			}

		case opExpireTimeMs:
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			ms := int64(binary.LittleEndian.Uint64(buf[:]))
			pendingExpiry = time.UnixMilli(ms)
			hasPendingExpiry = true

		case opExpireTime:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			sec := int64(binary.LittleEndian.Uint32(buf[:]))
			pendingExpiry = time.Unix(sec, 0)
			hasPendingExpiry = true

		case typeString:
			key, err := readString(r)
			if err != nil {
				return nil, err
			}
			value, err := readString(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{
				Key:       key,
				Value:     value,
				ExpiresAt: pendingExpiry,
				HasExpiry: hasPendingExpiry,
			})
			hasPendingExpiry = false

		default:
			return nil, fmt.Errorf("snapshot: unsupported opcode 0x%02x", op)
		}
	}
	return entries, nil
}

// readLength decodes the RDB length-encoding prefix this subset supports:
// 6-bit, 14-bit and 32-bit forms, selected by the top two bits of the first
// byte.
func readLength(r *bufio.Reader) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b >> 6 {
	case 0:
		return int(b & 0x3F), nil
	case 1:
		next, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int(b&0x3F)<<8 | int(next), nil
	case 2:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint32(buf[:])), nil
	default:
		return 0, fmt.Errorf("snapshot: unsupported length encoding 0x%02x", b)
	}
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
