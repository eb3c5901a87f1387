package pebblestore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// Item record: headerLen(4B BE) | header | payload | crc32c(header|payload).
// The header carries the item's metadata as JSON; the payload rides behind
// it so it never passes through the JSON encoder.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("pebblestore: corrupt item record")

type itemHeader struct {
	ID          int64   `json:"id"`
	Queue       string  `json:"queue"`
	UniqueToken string  `json:"unique_token,omitempty"`
	Priority    int     `json:"priority"`
	Created     int64   `json:"created"`
	ConsumerID  *string `json:"consumer_id,omitempty"`
	LockExpires *int64  `json:"lock_expires,omitempty"`
}

func encodeItem(it *queue.Item) ([]byte, error) {
	hdr := itemHeader{
		ID:          it.ID,
		Queue:       it.Queue,
		UniqueToken: it.UniqueToken,
		Priority:    it.Priority,
		Created:     it.Created.UnixNano(),
		ConsumerID:  it.ConsumerID,
	}
	if it.LockExpires != nil {
		n := it.LockExpires.UnixNano()
		hdr.LockExpires = &n
	}
	header, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: encode item header: %w", err)
	}
	return frameRecord(header, it.Payload), nil
}

func decodeItem(b []byte) (*queue.Item, error) {
	header, payload, ok := unframeRecord(b)
	if !ok {
		return nil, errCorruptRecord
	}
	var hdr itemHeader
	if err := json.Unmarshal(header, &hdr); err != nil {
		return nil, fmt.Errorf("pebblestore: decode item header: %w", err)
	}
	it := &queue.Item{
		ID:          hdr.ID,
		Queue:       hdr.Queue,
		Payload:     payload,
		UniqueToken: hdr.UniqueToken,
		Priority:    hdr.Priority,
		Created:     time.Unix(0, hdr.Created),
		ConsumerID:  hdr.ConsumerID,
	}
	if hdr.LockExpires != nil {
		v := time.Unix(0, *hdr.LockExpires)
		it.LockExpires = &v
	}
	return it, nil
}

func frameRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 4+len(header)+len(payload)+4)
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(len(header)))
	out = append(out, hb[:]...)
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	return append(out, cb[:]...)
}

// unframeRecord returns copies, so the caller may release the backing
// buffer as soon as it returns.
func unframeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 8 {
		return nil, nil, false
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if int(4+hlen+4) > len(b) {
		return nil, nil, false
	}
	headerEnd := 4 + int(hlen)
	header = b[4:headerEnd]
	payload = b[headerEnd : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return nil, nil, false
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), true
}
