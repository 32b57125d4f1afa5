package ledger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trials.ledger")
	l, err := Open(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func trialEvent(n int, v float64) Event {
	return Event{Type: EventTrial, Trial: &types.Trial{
		StudyName:  "s1",
		Number:     n,
		Allocation: types.Allocation{"olv": 12.5, "paid_search": 87.25},
		Value:      &v,
		State:      types.TrialCompleted,
	}}
}

func TestAppendAssignsSequence(t *testing.T) {
	l, _ := openTestLedger(t)

	e1, err := l.Append(Event{Type: EventStudyCreated})
	require.NoError(t, err)
	e2, err := l.Append(trialEvent(1, 3.5))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.NotZero(t, e2.Checksum)
	assert.Equal(t, uint64(2), l.LastSeq())
}

func TestReplayReturnsEventsInOrder(t *testing.T) {
	l, _ := openTestLedger(t)
	_, err := l.Append(Event{Type: EventStudyCreated})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(trialEvent(i, float64(i)))
		require.NoError(t, err)
	}

	var trials []types.Trial
	require.NoError(t, l.Replay(func(e Event) error {
		if e.Type == EventTrial {
			trials = append(trials, *e.Trial)
		}
		return nil
	}))
	require.Len(t, trials, 3)
	assert.Equal(t, 3, trials[2].Number)
	assert.Equal(t, 87.25, trials[0].Allocation["paid_search"])
}

func TestReopenContinuesSequence(t *testing.T) {
	l, path := openTestLedger(t)
	_, err := l.Append(Event{Type: EventStudyCreated})
	require.NoError(t, err)
	_, err = l.Append(trialEvent(1, 1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.LastSeq())

	e, err := reopened.Append(trialEvent(2, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)
}

func TestOpenDetectsTampering(t *testing.T) {
	l, path := openTestLedger(t)
	_, err := l.Append(trialEvent(1, 1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"objective_value":1,`), []byte(`"objective_value":9,`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = Open(path, false)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestOpenDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ledger")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	_, err := Open(path, false)
	assert.True(t, errors.Is(err, ErrCorrupted))
	var cerr *CorruptionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 1, cerr.Line)
}

func TestClosedLedgerRejectsAppend(t *testing.T) {
	l, _ := openTestLedger(t)
	require.NoError(t, l.Close())

	_, err := l.Append(trialEvent(1, 1))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(l.Replay(func(Event) error { return nil }), ErrClosed))
}

// tornFragment 模擬追加途中崩潰留下的半行
const tornFragment = `{"seq":3,"type":"TRIAL","timest`

func writeTwoEvents(t *testing.T) (string, int64) {
	t.Helper()
	l, path := openTestLedger(t)
	_, err := l.Append(Event{Type: EventStudyCreated})
	require.NoError(t, err)
	_, err = l.Append(trialEvent(1, 1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	return path, info.Size()
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestOpenTruncatesTornTail(t *testing.T) {
	path, size := writeTwoEvents(t)
	appendRaw(t, path, tornFragment)

	l, err := Open(path, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.LastSeq())
	assert.Equal(t, int64(len(tornFragment)), l.Recovered())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, info.Size())

	e, err := l.Append(trialEvent(2, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)
	require.NoError(t, l.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Zero(t, reopened.Recovered())
	assert.Equal(t, uint64(3), reopened.LastSeq())
}

func TestOpenKeepsMidFileCorruption(t *testing.T) {
	path, _ := writeTwoEvents(t)
	appendRaw(t, path, tornFragment)

	// 殘段之後又有完整事件：不是尾端中斷，不能截斷
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.SplitAfter(data, []byte("\n"))
	appendRaw(t, path, string(lines[1]))

	_, err = Open(path, false)
	assert.True(t, errors.Is(err, ErrCorrupted))
	var cerr *CorruptionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 3, cerr.Line)
}

// flakyFile 讓前幾次寫入只寫一半後失敗
type flakyFile struct {
	*os.File
	failWrites   int
	failTruncate bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.failWrites > 0 {
		f.failWrites--
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func (f *flakyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("truncate refused")
	}
	return f.File.Truncate(size)
}

func TestAppendRollsBackPartialWrite(t *testing.T) {
	l, path := openTestLedger(t)
	_, err := l.Append(Event{Type: EventStudyCreated})
	require.NoError(t, err)
	l.file = &flakyFile{File: l.file.(*os.File), failWrites: 1}

	_, err = l.Append(trialEvent(1, 1))
	require.Error(t, err)
	assert.Equal(t, uint64(1), l.LastSeq())

	e, err := l.Append(trialEvent(1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
	require.NoError(t, l.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Zero(t, reopened.Recovered())
	assert.Equal(t, uint64(2), reopened.LastSeq())
}

func TestAppendMarksLedgerBrokenWhenRollbackFails(t *testing.T) {
	l, path := openTestLedger(t)
	_, err := l.Append(Event{Type: EventStudyCreated})
	require.NoError(t, err)
	l.file = &flakyFile{File: l.file.(*os.File), failWrites: 1, failTruncate: true}

	_, err = l.Append(trialEvent(1, 1))
	require.Error(t, err)
	_, err = l.Append(trialEvent(1, 1))
	assert.True(t, errors.Is(err, ErrBroken))
	require.NoError(t, l.Close())

	// 重新開啟時丟掉寫一半的那行
	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Positive(t, reopened.Recovered())
	assert.Equal(t, uint64(1), reopened.LastSeq())
}
