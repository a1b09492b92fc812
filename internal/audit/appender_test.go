package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-project/strata/internal/audit"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
)

var commit = model.NewInstant(model.StateRequested, model.ActionCommit, "20240101000000")

func TestFileAppender_AppendCreatesJSONL(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit", audit.FileName)

	appender := audit.NewFileAppender(logPath, model.LayoutModern)
	require.NoError(t, appender.Append(model.EventTypeInstantCreate, commit, nil))

	file, err := os.Open(logPath)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())

	var record model.AuditRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, model.EventTypeInstantCreate, record.EventType)
	assert.Equal(t, commit, record.Instant)
	assert.Equal(t, "modern", record.Layout)
}

func TestFileAppender_HashChain(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), audit.FileName)
	appender := audit.NewFileAppender(logPath, model.LayoutLegacy)

	require.NoError(t, appender.Append(model.EventTypeInstantCreate, commit, nil))
	require.NoError(t, appender.Append(model.EventTypeInstantInflight, commit.WithState(model.StateInflight),
		map[string]any{"bytes": 12}))

	records, err := audit.ReadRecords(logPath)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, model.HashValue(""), records[0].PrevHash)
	assert.Equal(t, records[0].RecordHash, records[1].PrevHash)
	assert.NotEmpty(t, records[0].RecordHash)
	assert.NotEmpty(t, records[1].RecordHash)

	n, err := audit.Verify(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerify_DetectsTampering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), audit.FileName)
	appender := audit.NewFileAppender(logPath, model.LayoutModern)
	require.NoError(t, appender.Append(model.EventTypeInstantCreate, commit, nil))
	require.NoError(t, appender.Append(model.EventTypeInstantDelete, commit, nil))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"instant_delete"`, `"instant_revert"`, 1)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0644))

	n, err := audit.Verify(logPath)
	require.ErrorIs(t, err, errclass.ErrAuditChainBroken)
	assert.Equal(t, 1, n)
}

func TestVerify_MissingLogIsEmpty(t *testing.T) {
	n, err := audit.Verify(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileAppender_ConcurrentAppends(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), audit.FileName)
	appender := audit.NewFileAppender(logPath, model.LayoutModern)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			assert.NoError(t, appender.Append(model.EventTypeInstantCreate, commit, map[string]any{"idx": idx}))
		}(i)
	}
	wg.Wait()

	n, err := audit.Verify(logPath)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestFileAppender_GetLastRecordHash(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), audit.FileName)
	appender := audit.NewFileAppender(logPath, model.LayoutModern)

	hash, err := appender.GetLastRecordHash()
	require.NoError(t, err)
	assert.Equal(t, model.HashValue(""), hash)

	require.NoError(t, appender.Append(model.EventTypeInstantComplete, commit, nil))

	hash, err = appender.GetLastRecordHash()
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}
