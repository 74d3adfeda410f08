// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"encoding/base64"
	"strconv"

	"github.com/dreamsxin/logstore/types"
)

// Dump produces a status/record dump of this store, mirroring the
// original's get_status/dump_log_store pair: with no StartSeqNum it starts
// right after the truncation boundary, pages by BatchSize (or by the
// [StartSeqNum, EndSeqNum] window if BatchSize is zero), and sets NextCursor
// whenever the page stopped short of EndSeqNum because the batch filled up.
func (s *LogStore) Dump(req types.DumpRequest) types.DumpResponse {
	s.mu.Lock()
	maxLSNInPrevBatch := s.flushBatchMaxLSN
	boundary := s.trunc.Boundary()
	s.mu.Unlock()

	resp := types.DumpResponse{
		StoreID:                    s.storeID,
		AppendMode:                 s.appendMode,
		HighestLSN:                 s.HighestLSN(),
		MaxLSNInPrevFlushBatch:     maxLSNInPrevBatch,
		TruncatedUptoLogDevKey:     boundary.LdKey.String(),
		TruncatedUptoLSN:           boundary.SeqNum,
		TruncationPendingOnDevice:  boundary.PendingDevTruncation,
		TruncationParallelToWrites: boundary.ActiveWritesNotPartOfTrunc,
	}

	idx := boundary.SeqNum + 1
	if req.StartSeqNum != nil {
		idx = *req.StartSeqNum
	}
	endIdx := types.MaxSequenceNumber - 1
	if req.EndSeqNum != nil {
		endIdx = *req.EndSeqNum
	}

	var batchSize int64
	switch {
	case req.BatchSize > 0:
		batchSize = int64(req.BatchSize)
	case req.EndSeqNum != nil:
		batchSize = endIdx - idx + 1
	default:
		batchSize = types.MaxSequenceNumber - idx
	}

	records := make([]types.DumpRecord, 0)
	s.records.ForeachCompleted(idx, func(cur, _ types.SequenceNumber, rec Record) bool {
		dr := types.DumpRecord{SeqNum: cur}
		if rec.LdKey.Valid() {
			if hdr, payload, err := s.family.journal.Read(rec.LdKey); err == nil {
				dr.StoreID = hdr.StoreID
				dr.StoreSeqNum = hdr.StoreSeqNum
				dr.Size = hdr.Size
				dr.Offset = hdr.Offset
				dr.Inlined = hdr.Inlined
				if req.Verbosity == types.Content {
					dr.ContentB64 = base64.StdEncoding.EncodeToString(payload)
				}
			}
		}
		records = append(records, dr)

		batchSize--
		proceed := cur < endIdx && batchSize > 0
		if cur < endIdx && batchSize <= 0 {
			resp.NextCursor = strconv.FormatInt(cur+1, 10)
		}
		return proceed
	})
	resp.Records = records
	return resp
}
