// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/antgroup/omega/pkg/omega"
)

// On-disk layout of one repository:
//
//	<repoDir>/journal   append-only commit records
//	<repoDir>/HEAD      {"revision":N,"offset":M}, written via rename
//
// A record is MAGIC | uint32 payload length | blake3-256 digest | payload,
// where payload is the zstd-compressed JSON commit envelope. Records beyond
// the offset recorded in HEAD are leftovers of a crashed append and are
// truncated on open; a corrupt record inside the HEAD window is a storage
// fault.

var journalMagic = [4]byte{'O', 'M', 'G', '1'}

const (
	journalName    = "journal"
	headName       = "HEAD"
	recordHeadSize = 4 + 4 + 32
	maxRecordSize  = 64 << 20
)

type headPointer struct {
	Revision omega.Revision `json:"revision"`
	Offset   int64          `json:"offset"`
}

type journal struct {
	dir    string
	f      *os.File
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	offset int64
	head   omega.Revision
}

// createJournal initializes an empty repository: an initial commit at
// revision 1 with no changes.
func createJournal(dir string, initial *omega.Commit) (*journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, journalName)); err == nil {
		return nil, fmt.Errorf("journal already exists in %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, journalName), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	j, err := newJournal(dir, f, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := j.append(initial); err != nil {
		_ = j.close()
		return nil, err
	}
	return j, nil
}

// openJournal opens an existing repository and replays every durable commit.
func openJournal(dir string) (*journal, []*omega.Commit, error) {
	head, err := readHead(dir)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, journalName), os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}
	j, err := newJournal(dir, f, head.Offset, head.Revision)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	commits, err := j.replay()
	if err != nil {
		_ = j.close()
		return nil, nil, err
	}
	// drop the tail of a crashed append, then continue appending from the
	// durable offset
	if err := f.Truncate(head.Offset); err != nil {
		_ = j.close()
		return nil, nil, err
	}
	if _, err := f.Seek(head.Offset, io.SeekStart); err != nil {
		_ = j.close()
		return nil, nil, err
	}
	return j, commits, nil
}

func newJournal(dir string, f *os.File, offset int64, head omega.Revision) (*journal, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &journal{dir: dir, f: f, enc: enc, dec: dec, offset: offset, head: head}, nil
}

func readHead(dir string) (*headPointer, error) {
	b, err := os.ReadFile(filepath.Join(dir, headName))
	if err != nil {
		return nil, err
	}
	head := new(headPointer)
	if err := json.Unmarshal(b, head); err != nil {
		return nil, fmt.Errorf("corrupt HEAD in %s: %w", dir, err)
	}
	return head, nil
}

func (j *journal) writeHead() error {
	b, err := json.Marshal(&headPointer{Revision: j.head, Offset: j.offset})
	if err != nil {
		return err
	}
	tmp := filepath.Join(j.dir, headName+".tmp")
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(j.dir, headName))
}

// append persists one commit and advances HEAD. Either both the record and
// the pointer become durable, or a restart replays up to the previous HEAD.
func (j *journal) append(c *omega.Commit) error {
	payloadJSON, err := json.Marshal(c)
	if err != nil {
		return err
	}
	payload := j.enc.EncodeAll(payloadJSON, nil)
	record := make([]byte, recordHeadSize+len(payload))
	copy(record, journalMagic[:])
	binary.BigEndian.PutUint32(record[4:8], uint32(len(payload)))
	digest := blake3.Sum256(payload)
	copy(record[8:40], digest[:])
	copy(record[recordHeadSize:], payload)
	if _, err := j.f.Write(record); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.offset += int64(len(record))
	j.head = c.Revision
	return j.writeHead()
}

func (j *journal) replay() ([]*omega.Commit, error) {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var commits []*omega.Commit
	var pos int64
	header := make([]byte, recordHeadSize)
	for pos < j.offset {
		if _, err := io.ReadFull(j.f, header); err != nil {
			return nil, fmt.Errorf("truncated journal record at offset %d: %w", pos, err)
		}
		if [4]byte(header[:4]) != journalMagic {
			return nil, fmt.Errorf("bad journal magic at offset %d", pos)
		}
		n := binary.BigEndian.Uint32(header[4:8])
		if n == 0 || n > maxRecordSize {
			return nil, fmt.Errorf("bad journal record length %d at offset %d", n, pos)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(j.f, payload); err != nil {
			return nil, fmt.Errorf("truncated journal record at offset %d: %w", pos, err)
		}
		digest := blake3.Sum256(payload)
		if digest != [32]byte(header[8:40]) {
			return nil, fmt.Errorf("journal record digest mismatch at offset %d", pos)
		}
		payloadJSON, err := j.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("journal record decompress error at offset %d: %w", pos, err)
		}
		c := new(omega.Commit)
		if err := json.Unmarshal(payloadJSON, c); err != nil {
			return nil, fmt.Errorf("journal record decode error at offset %d: %w", pos, err)
		}
		if want := omega.Revision(len(commits) + 1); c.Revision != want {
			return nil, fmt.Errorf("journal out of order: revision %d at position %d", c.Revision, want)
		}
		commits = append(commits, c)
		pos += int64(recordHeadSize) + int64(n)
	}
	return commits, nil
}

func (j *journal) close() error {
	j.enc.Close()
	j.dec.Close()
	return j.f.Close()
}
