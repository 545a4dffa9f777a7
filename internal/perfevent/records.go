// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Minimal sample-record decoding, used only by capability probes. Full
// record-file parsing belongs to the recording side, not the counting
// engine.

type sampleRecord struct {
	ip   uint64
	pid  uint32
	tid  uint32
	time uint64
}

// parseSampleRecords walks the byte stream of a kernel ring buffer and
// decodes PERF_RECORD_SAMPLE entries laid out for the default sample type
// (IP | TID | TIME | PERIOD). Other record kinds are skipped by size.
func parseSampleRecords(data []byte, attr unix.PerfEventAttr) (samples []sampleRecord) {
	const headerSize = 8
	wanted := uint64(unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_PERIOD)
	if attr.Sample_type&wanted != wanted {
		return
	}
	offset := 0
	for offset+headerSize <= len(data) {
		recordType := binary.LittleEndian.Uint32(data[offset:])
		size := int(binary.LittleEndian.Uint16(data[offset+6:]))
		if size < headerSize || offset+size > len(data) {
			return
		}
		if recordType == unix.PERF_RECORD_SAMPLE && size >= headerSize+24 {
			body := data[offset+headerSize:]
			samples = append(samples, sampleRecord{
				ip:   binary.LittleEndian.Uint64(body[0:]),
				pid:  binary.LittleEndian.Uint32(body[8:]),
				tid:  binary.LittleEndian.Uint32(body[12:]),
				time: binary.LittleEndian.Uint64(body[16:]),
			})
		}
		offset += size
	}
	return
}
