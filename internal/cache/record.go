package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// 记录格式（fs 与 bolt 共用）：
//
//	[4 字节大端 meta 长度][meta JSON][原始正文]
//
// 正文不做 base64，GLB/USDZ 这类大文件可以原样写入。
const recordHeaderSize = 4

type recordMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// encodeMeta 返回记录头（长度前缀 + meta JSON），正文由调用方追加。
func encodeMeta(key Key, entry Entry) ([]byte, error) {
	meta, err := json.Marshal(recordMeta{
		Key:      key.String(),
		Status:   entry.Status,
		Header:   entry.Header,
		StoredAt: entry.StoredAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry meta: %w", err)
	}
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(meta))
	binary.BigEndian.PutUint32(buf, uint32(len(meta)))
	return append(buf, meta...), nil
}

// encodeRecord 返回完整记录，供一次性写入的后端使用。
func encodeRecord(key Key, entry Entry) ([]byte, error) {
	head, err := encodeMeta(key, entry)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(head)+len(entry.Payload))
	out = append(out, head...)
	return append(out, entry.Payload...), nil
}

// decodeRecord 解析记录；返回的 Entry 持有 data 的独立副本。
func decodeRecord(data []byte) (*Entry, error) {
	if len(data) < recordHeaderSize {
		return nil, ErrCorruptEntry
	}
	rawLen := binary.BigEndian.Uint32(data[:recordHeaderSize])
	if uint64(rawLen) > uint64(len(data)-recordHeaderSize) {
		return nil, ErrCorruptEntry
	}
	metaLen := int(rawLen)

	var meta recordMeta
	if err := json.Unmarshal(data[recordHeaderSize:recordHeaderSize+metaLen], &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}

	payload := append([]byte(nil), data[recordHeaderSize+metaLen:]...)
	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Entry{
		Payload:  payload,
		Header:   header,
		Status:   meta.Status,
		StoredAt: meta.StoredAt,
	}, nil
}
