package refresh

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// wireBatch is the payload carried by the cluster channel.
type wireBatch struct {
	Entries []Entry `codec:"entries"`
}

var msgpackHandle codec.MsgpackHandle

// EncodeBatch serializes b as msgpack.
func EncodeBatch(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(&wireBatch{Entries: b.Entries()}); err != nil {
		return nil, errors.Wrap(err, "encode refresh batch")
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a payload produced by EncodeBatch.
func DecodeBatch(payload []byte) (*Batch, error) {
	var wb wireBatch
	if err := codec.NewDecoder(bytes.NewReader(payload), &msgpackHandle).Decode(&wb); err != nil {
		return nil, errors.Wrap(err, "decode refresh batch")
	}
	for i, e := range wb.Entries {
		if e.SessionID == "" {
			return nil, errors.Errorf("decode refresh batch: entry %d has no session id", i)
		}
	}
	return NewBatch(wb.Entries...), nil
}
