// Package persistence implements immutable sorted disk tables.
//
// File layout:
//
//	[data block]* [filter block] [index block] [properties block] [footer]
//
// Every block is stored as payload | compression type (1 byte) | xxh3 of
// payload and type (8 bytes). A data block payload is a run of entries
// followed by a u32 offset per entry and a u32 entry count, which lets a
// reader binary-search inside the block. The index maps the first and last
// internal key of each data block to its location. The footer is fixed size:
// three block handles, the xxh3 of those handles, then the table magic.
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"mvccdb/pkg/compression"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/types"
)

const (
	fileExt = ".sst"

	tableMagic       uint64 = 0x317462646363766d // "mvccdbt1" little-endian
	footerSize              = 8 * 8
	blockTrailerSize        = 1 + 8
)

// FileName is the table file name of id, e.g. 000042.sst.
func FileName(id types.FileID) string {
	return fmt.Sprintf("%06d%s", id, fileExt)
}

func Path(dir string, id types.FileID) string {
	return filepath.Join(dir, FileName(id))
}

// ParseFileName extracts the table id from a file name.
func ParseFileName(name string) (types.FileID, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, fileExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// blockHandle locates a block including its trailer.
type blockHandle struct {
	offset uint64
	length uint64
}

type footer struct {
	filter blockHandle
	index  blockHandle
	props  blockHandle
}

func (f footer) encode() []byte {
	b := make([]byte, 0, footerSize)
	for _, h := range []blockHandle{f.filter, f.index, f.props} {
		b = binary.LittleEndian.AppendUint64(b, h.offset)
		b = binary.LittleEndian.AppendUint64(b, h.length)
	}
	b = binary.LittleEndian.AppendUint64(b, xxh3.Hash(b))
	return binary.LittleEndian.AppendUint64(b, tableMagic)
}

func decodeFooter(b []byte, fileSize uint64) (footer, error) {
	var f footer
	if len(b) != footerSize {
		return f, dberrors.Corruption(nil, "footer has %d bytes", len(b))
	}
	if magic := binary.LittleEndian.Uint64(b[56:]); magic != tableMagic {
		return f, dberrors.Corruption(nil, "bad table magic %#x", magic)
	}
	if sum := binary.LittleEndian.Uint64(b[48:]); sum != xxh3.Hash(b[:48]) {
		return f, dberrors.Corruption(nil, "footer checksum mismatch")
	}
	limit := fileSize - footerSize
	hs := []*blockHandle{&f.filter, &f.index, &f.props}
	for i, h := range hs {
		h.offset = binary.LittleEndian.Uint64(b[i*16:])
		h.length = binary.LittleEndian.Uint64(b[i*16+8:])
		if h.length < blockTrailerSize || h.offset > limit || h.length > limit-h.offset {
			return f, dberrors.Corruption(nil, "block handle %d out of range", i)
		}
	}
	return f, nil
}

// sealBlock appends the block trailer to payload.
func sealBlock(payload []byte, ct compression.Type) []byte {
	payload = append(payload, byte(ct))
	return binary.LittleEndian.AppendUint64(payload, xxh3.Hash(payload))
}

// openBlock verifies a raw block read from disk and returns its decompressed payload.
func openBlock(raw []byte) ([]byte, error) {
	if len(raw) < blockTrailerSize {
		return nil, dberrors.Corruption(nil, "block too short")
	}
	n := len(raw) - 8
	if sum := binary.LittleEndian.Uint64(raw[n:]); sum != xxh3.Hash(raw[:n]) {
		return nil, dberrors.Corruption(nil, "block checksum mismatch")
	}
	ct := compression.Type(raw[n-1])
	data, err := compression.Decompress(ct, raw[:n-1])
	if err != nil {
		return nil, dberrors.Corruption(err, "failed to decompress %s block", ct)
	}
	return data, nil
}

// Properties describe a finished table. They are stored in the table itself.
type Properties struct {
	ID          types.FileID    `json:"id"`
	Entries     uint64          `json:"entries"`
	Blocks      int             `json:"blocks"`
	Smallest    []byte          `json:"smallest"`
	Largest     []byte          `json:"largest"`
	MinTs       types.Timestamp `json:"min_ts"`
	MaxTs       types.Timestamp `json:"max_ts"`
	Compression string          `json:"compression"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (p *Properties) encode() ([]byte, error) {
	return json.Marshal(p)
}

func decodeProperties(b []byte) (Properties, error) {
	var p Properties
	if err := json.Unmarshal(b, &p); err != nil {
		return p, dberrors.Corruption(err, "failed to decode table properties")
	}
	return p, nil
}
