package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cuemby/pbs/pkg/types"
)

const (
	versionMajor = 1
	versionMinor = 0
)

// encodeRecord renders one JournalRecord into its length-prefixed wire
// form: a fixed header (versions, component id, log id, status) followed
// by a length-prefixed body.
func encodeRecord(buf *bytes.Buffer, r types.JournalRecord) {
	var hdr [4 + 4 + 16 + 16 + 1 + 4]byte
	binary.BigEndian.PutUint32(hdr[0:4], versionMajor)
	binary.BigEndian.PutUint32(hdr[4:8], versionMinor)
	binary.BigEndian.PutUint64(hdr[8:16], r.ComponentID.High())
	binary.BigEndian.PutUint64(hdr[16:24], r.ComponentID.Low())
	binary.BigEndian.PutUint64(hdr[24:32], r.LogID.High())
	binary.BigEndian.PutUint64(hdr[32:40], r.LogID.Low())
	hdr[40] = byte(r.LogStatus)
	binary.BigEndian.PutUint32(hdr[41:45], uint32(len(r.Body)))
	buf.Write(hdr[:])
	buf.Write(r.Body)
}

// decodeRecords parses every record out of a journal file's raw bytes,
// verifying the trailing checksum first.
func decodeRecords(data []byte) ([]types.JournalRecord, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("decode journal: truncated file (%d bytes)", len(data))
	}
	content, wantSum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(content); got != wantSum {
		return nil, fmt.Errorf("decode journal: checksum mismatch: got %x want %x", got, wantSum)
	}

	var records []types.JournalRecord
	for off := 0; off < len(content); {
		const hdrLen = 4 + 4 + 16 + 16 + 1 + 4
		if off+hdrLen > len(content) {
			return nil, fmt.Errorf("decode journal: truncated header at offset %d", off)
		}
		hdr := content[off : off+hdrLen]
		bodyLen := int(binary.BigEndian.Uint32(hdr[41:45]))
		off += hdrLen
		if off+bodyLen > len(content) {
			return nil, fmt.Errorf("decode journal: truncated body at offset %d", off)
		}
		body := make([]byte, bodyLen)
		copy(body, content[off:off+bodyLen])
		off += bodyLen

		records = append(records, types.JournalRecord{
			VersionMajor: binary.BigEndian.Uint32(hdr[0:4]),
			VersionMinor: binary.BigEndian.Uint32(hdr[4:8]),
			ComponentID: types.UUIDFromParts(
				binary.BigEndian.Uint64(hdr[8:16]),
				binary.BigEndian.Uint64(hdr[16:24]),
			),
			LogID: types.UUIDFromParts(
				binary.BigEndian.Uint64(hdr[24:32]),
				binary.BigEndian.Uint64(hdr[32:40]),
			),
			LogStatus: types.JournalLogStatus(hdr[40]),
			Body:      body,
		})
	}
	return records, nil
}

// DecodeRecords parses every record out of one journal blob's raw
// bytes. Exposed for pbs-log-recovery, which reads journal blobs
// directly without a running Service.
func DecodeRecords(data []byte) ([]types.JournalRecord, error) {
	return decodeRecords(data)
}

// encodeFile serializes a batch of records into one journal file's
// bytes, appending the trailing CRC32 checksum.
func encodeFile(records []types.JournalRecord) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		encodeRecord(&buf, r)
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var sumBytes [4]byte
	binary.BigEndian.PutUint32(sumBytes[:], sum)
	buf.Write(sumBytes[:])
	return buf.Bytes()
}

// blobName renders the {partition}_journal_{18-digit-journal-id} name.
func blobName(partition string, journalID uint64) string {
	return fmt.Sprintf("%s_journal_%018d", partition, journalID)
}
