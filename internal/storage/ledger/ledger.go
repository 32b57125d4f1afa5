// Package ledger is an append-only, checksummed JSON-lines log of study
// events. One ledger file holds one study: a STUDY_CREATED header followed
// by one TRIAL event per resolved trial.
package ledger

// ============================================================================
// 帳本核心實作
// 職責：
// 1. 追加事件到檔案（append-only），每筆事件帶 CRC32 校驗和
// 2. 提供重放功能以重建 Study
// 3. 開啟既有檔案時驗證內容並接續序號
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Ledger 表示單一 Study 的事件帳本
type Ledger struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64 // 最後一筆事件序號
	size         int64  // 已確認寫入的位元組數
	recovered    int64  // 開啟時截掉的殘段位元組數
	syncOnAppend bool   // 是否每次追加都 fsync
	broken       error  // 寫入失敗且無法回滾時設定
	closed       bool
}

// Open 建立或開啟帳本
//
// 行為：
// - 檔案不存在時建立新檔案，seq 從 0 開始
// - 檔案已存在時完整重放驗證，並接續最後一筆序號
// - 最後一行沒有換行時視為追加途中中斷的殘段，截斷到最後一筆完整事件
// - 以 O_APPEND 模式開啟，確保寫入不覆蓋
func Open(path string, syncOnAppend bool) (*Ledger, error) {
	var seq uint64
	var size, recovered int64
	if info, err := os.Stat(path); err == nil {
		good, err := replayFile(path, func(e Event) error {
			seq = e.Seq
			return nil
		})
		if err != nil {
			return nil, err
		}
		size = good
		if recovered = info.Size() - good; recovered > 0 {
			if err := os.Truncate(path, good); err != nil {
				return nil, fmt.Errorf("ledger: truncate torn tail: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		file:         file,
		path:         path,
		seq:          seq,
		size:         size,
		recovered:    recovered,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆事件並回傳寫入後的事件（含序號與校驗和）
//
// 寫入或 fsync 失敗時把檔案截回寫入前的大小，序號不前進；
// 截斷也失敗時帳本進入 broken 狀態，之後的追加回傳 ErrBroken
func (l *Ledger) Append(event Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, ErrClosed
	}
	if l.broken != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrBroken, l.broken)
	}

	event.Seq = l.seq + 1
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	data, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: encode seq=%d: %w", event.Seq, err)
	}
	data = append(data, '\n')

	if err := l.write(data); err != nil {
		return Event{}, fmt.Errorf("ledger: append seq=%d: %w", event.Seq, err)
	}
	l.seq = event.Seq
	return event, nil
}

// write 以單次寫入送出整行，失敗時回滾
func (l *Ledger) write(data []byte) error {
	n, err := l.file.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err == nil && l.syncOnAppend {
		err = l.file.Sync()
	}
	if err != nil {
		if terr := l.file.Truncate(l.size); terr != nil {
			l.broken = terr
		}
		return err
	}
	l.size += int64(n)
	return nil
}

// Replay 從頭重放所有事件，驗證校驗和後呼叫 handler
//
// 持有鎖進行，重放期間不會讀到寫一半的事件
func (l *Ledger) Replay(handler EventHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	_, err := replayFile(l.path, handler)
	return err
}

// LastSeq 取得最後一筆事件序號
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Recovered 回傳開啟時截掉的殘段位元組數，0 表示檔案完整
func (l *Ledger) Recovered() int64 { return l.recovered }

// Path 帳本檔案路徑
func (l *Ledger) Path() string { return l.path }

// Close 關閉帳本，之後的操作回傳 ErrClosed
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// replayFile 重放每一行以換行結尾的事件，回傳最後一筆完整事件之後的位移。
// 沒有換行的最後一行不交給 handler，由呼叫端決定是否截斷
func replayFile(path string, handler EventHandler) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var good int64
	reader := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return good, nil
		}
		if err != nil {
			return good, err
		}
		var event Event
		if jsonErr := json.Unmarshal(raw, &event); jsonErr != nil {
			return good, &CorruptionError{Line: line, Cause: jsonErr}
		}
		if sumErr := VerifyChecksum(event); sumErr != nil {
			return good, sumErr
		}
		if hErr := handler(event); hErr != nil {
			return good, hErr
		}
		good += int64(len(raw))
	}
}
