package ledger

// ============================================================================
// 校驗和計算
// 職責：計算與驗證帳本事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Type + Seq + Trial 的 JSON 內容，不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	h.Write([]byte{0})
	if event.Trial != nil {
		// Trial 只含可序列化欄位，Marshal 不會失敗
		payload, _ := json.Marshal(event.Trial)
		h.Write(payload)
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
