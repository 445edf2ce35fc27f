package respd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	lzf "github.com/zhuyie/golzf"

	"github.com/flonle/respd/internal/respd/crc64"
)

const (
	opCodeAux          byte = 0xFA
	opCodeResizeDB     byte = 0xFB
	opCodeExpireTimeMs byte = 0xFC
	opCodeExpireTimeS  byte = 0xFD
	opCodeSelectDB     byte = 0xFE
	opCodeEOF          byte = 0xFF
)

const typeString byte = 0

// Special-format string encodings (two-bit prefix "11").
const (
	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
	encLZF   = 3
)

// snapshotEntry is one string key loaded from (or destined for) a snapshot
// file: val plus an optional absolute millisecond expiration.
type snapshotEntry struct {
	key       string
	val       string
	expiresAt int64
	hasExpiry bool
}

// LoadSnapshot reads dir/dbfilename, if present, installing every string
// key it contains into store. A missing file is not an error: the server
// simply starts empty.
func LoadSnapshot(store *Storage, dir, dbfilename string) error {
	path := filepath.Join(dir, dbfilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	entries, err := parseSnapshot(r)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, e := range entries {
		if !e.hasExpiry {
			store.LoadSnapshotEntry(e.key, e.val, 0, false)
			continue
		}
		remainingSeconds := (e.expiresAt - now) / 1000
		if remainingSeconds < 0 {
			remainingSeconds = 0
		}
		store.LoadSnapshotEntry(e.key, e.val, remainingSeconds, true)
	}
	return nil
}

func parseSnapshot(r *bufio.Reader) ([]snapshotEntry, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if string(header[:5]) != "REDIS" {
		return nil, errors.New("rdb: not a Redis RDB file")
	}

	var entries []snapshotEntry
	var pendingExpiry int64
	hasPendingExpiry := false

	for {
		opCode, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, err
		}

		switch opCode {
		case opCodeEOF:
			return entries, nil

		case opCodeAux:
			if _, _, err := readStringEnc(r); err != nil {
				return nil, err
			}
			if _, _, err := readStringEnc(r); err != nil {
				return nil, err
			}

		case opCodeSelectDB:
			if _, _, _, err := readLengthOrSpecial(r); err != nil {
				return nil, err
			}

		case opCodeResizeDB:
			if _, _, _, err := readLengthOrSpecial(r); err != nil {
				return nil, err
			}
			if _, _, _, err := readLengthOrSpecial(r); err != nil {
				return nil, err
			}

		case opCodeExpireTimeS:
			buf := make([]byte, 4)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			pendingExpiry = int64(binary.LittleEndian.Uint32(buf)) * 1000
			hasPendingExpiry = true

		case opCodeExpireTimeMs:
			buf := make([]byte, 8)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			pendingExpiry = int64(binary.LittleEndian.Uint64(buf))
			hasPendingExpiry = true

		default:
			if opCode != typeString {
				return nil, errors.New("rdb: value type encoding not implemented")
			}
			key, _, err := readStringEnc(r)
			if err != nil {
				return nil, err
			}
			val, _, err := readStringEnc(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, snapshotEntry{
				key: key, val: val,
				expiresAt: pendingExpiry, hasExpiry: hasPendingExpiry,
			})
			pendingExpiry, hasPendingExpiry = 0, false
		}
	}
}

// readStringEnc reads a length-prefixed or special-format string.
func readStringEnc(r *bufio.Reader) (string, bool, error) {
	length, special, encType, err := readLengthOrSpecial(r)
	if err != nil {
		return "", false, err
	}
	if !special {
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", false, err
		}
		return string(buf), false, nil
	}

	switch encType {
	case encInt8:
		b, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}
		return itoa(int64(int8(b))), true, nil
	case encInt16:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", false, err
		}
		return itoa(int64(int16(binary.LittleEndian.Uint16(buf)))), true, nil
	case encInt32:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", false, err
		}
		return itoa(int64(int32(binary.LittleEndian.Uint32(buf)))), true, nil
	case encLZF:
		return readLZFString(r)
	default:
		return "", false, errors.New("rdb: unsupported special string encoding")
	}
}

func readLZFString(r *bufio.Reader) (string, bool, error) {
	compressedLen, special, _, err := readLengthOrSpecial(r)
	if special || err != nil {
		return "", false, errors.New("rdb: invalid compressed string header")
	}
	uncompressedLen, special, _, err := readLengthOrSpecial(r)
	if special || err != nil {
		return "", false, errors.New("rdb: invalid compressed string header")
	}

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return "", false, err
	}
	out := make([]byte, uncompressedLen)
	n, err := lzf.Decompress(compressed, out)
	if err != nil {
		return "", false, err
	}
	return string(out[:n]), false, nil
}

// readLengthOrSpecial decodes the two-bit length prefix. special is true
// for the "11" prefix, in which case length carries the encType instead of
// a byte count.
func readLengthOrSpecial(r *bufio.Reader) (length int, special bool, encType int, err error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, false, 0, err
	}

	switch first >> 6 {
	case 0b00:
		return int(first & 0x3F), false, 0, nil
	case 0b01:
		next, err := r.ReadByte()
		if err != nil {
			return 0, false, 0, err
		}
		return (int(first&0x3F) << 8) | int(next), false, 0, nil
	case 0b10:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, false, 0, err
		}
		return int(binary.BigEndian.Uint32(buf)), false, 0, nil
	default: // 0b11
		return 0, true, int(first & 0x3F), nil
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// BuildSnapshot renders store's live string keys into an RDB-format byte
// slice, the same payload served to a new replica on PSYNC full resync and
// writable to <dir>/<dbfilename>.
func BuildSnapshot(store *Storage) []byte {
	var buf []byte
	buf = append(buf, "REDIS0011"...)

	entries := store.SnapshotStrings()
	if len(entries) > 0 {
		buf = append(buf, opCodeSelectDB, 0)
		buf = append(buf, opCodeResizeDB)
		buf = appendLength(buf, len(entries))
		buf = appendLength(buf, 0)

		for _, e := range entries {
			if e.hasExpiry {
				buf = append(buf, opCodeExpireTimeMs)
				var tbuf [8]byte
				binary.LittleEndian.PutUint64(tbuf[:], uint64(e.expiresAt))
				buf = append(buf, tbuf[:]...)
			}
			buf = append(buf, typeString)
			buf = appendString(buf, e.key)
			buf = appendString(buf, e.val)
		}
	}

	buf = append(buf, opCodeEOF)
	sum := crc64.Checksum(buf)
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], sum)
	buf = append(buf, sumBuf[:]...)
	return buf
}

func appendLength(buf []byte, n int) []byte {
	switch {
	case n < 64:
		return append(buf, byte(n))
	case n < 16384:
		return append(buf, byte(0x40|(n>>8)), byte(n&0xFF))
	default:
		buf = append(buf, 0x80)
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(n))
		return append(buf, lbuf[:]...)
	}
}

func appendString(buf []byte, s string) []byte {
	buf = appendLength(buf, len(s))
	return append(buf, s...)
}
