package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證、檔案鎖與錯誤處理
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

func sampleSnapshot(marker string) types.StoreSnapshot {
	id := types.PersonaIdentity{RecipientName: "Dana", JobTitle: "CTO", Company: "Acme"}
	return types.StoreSnapshot{
		Articles: []types.Article{
			{ID: "1", Title: marker, RelevanceScore: types.Float64(0.9), Personalized: true, Categories: []string{"bfsi"}},
			{ID: "2", Title: "second", Categories: []string{"retail"}},
		},
		Ranking:   []types.ArticleID{"1", "2"},
		RankedFor: &id,
		LastFetched: map[types.Industry]time.Time{
			types.IndustryBFSI: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "nested", "articles.json")
	manager := NewManager(snapshotPath)

	original := sampleSnapshot("first")
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.False(t, loaded.SavedAt.IsZero())
	assert.Equal(t, original.Ranking, loaded.Ranking)
	require.NotNil(t, loaded.RankedFor)
	assert.True(t, loaded.RankedFor.Equal(*original.RankedFor))
	require.Len(t, loaded.Articles, 2)
	assert.Equal(t, 0.9, loaded.Articles[0].Score())
	assert.True(t, loaded.Articles[0].Personalized)
	assert.Nil(t, loaded.Articles[1].RelevanceScore)
	assert.True(t, loaded.LastFetched[types.IndustryBFSI].Equal(original.LastFetched[types.IndustryBFSI]))
}

// TestStoreRoundTrip 測試文章庫經由快照恢復後排序不變
func TestStoreRoundTrip(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "articles.json"))

	st := store.NewArticleStore(0)
	st.UpsertBatch([]types.Article{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	st.MergeResults([]types.ScoredResult{{ArticleID: "c", Score: 0.8}, {ArticleID: "a", Score: 0.1}},
		types.PersonaIdentity{RecipientName: "Dana"})
	require.NoError(t, manager.Write(st.Snapshot()))

	loaded, err := manager.Load()
	require.NoError(t, err)

	restored := store.NewArticleStore(0)
	require.NoError(t, restored.Restore(loaded))
	assert.Equal(t, st.Ranked(), restored.Ranked())
	assert.Equal(t, st.AllIDs(), restored.AllIDs())
}

// TestAtomicWrite 測試原子性寫入（讀者只會看到完整的舊版或新版）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "articles.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleSnapshot("old")))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleSnapshot("new")))
	}()

	var loaded types.StoreSnapshot
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	require.Len(t, loaded.Articles, 2)
	title := loaded.Articles[0].Title
	assert.True(t, title == "old" || title == "new", "got %q", title)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "articles.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.StoreSnapshot{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// Update 與檔案鎖
// ============================================================================

func TestUpdateReadModifyWrite(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "articles.json"))

	err := manager.Update(context.Background(), func(s *types.StoreSnapshot) error {
		assert.Empty(t, s.Articles, "first update starts empty")
		s.Articles = append(s.Articles, types.Article{ID: "x"})
		return nil
	})
	require.NoError(t, err)

	err = manager.Update(context.Background(), func(s *types.StoreSnapshot) error {
		require.Len(t, s.Articles, 1)
		s.Articles = append(s.Articles, types.Article{ID: "y"})
		s.LastFetched[types.IndustryOther] = time.Now()
		return nil
	})
	require.NoError(t, err)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Articles, 2)
	assert.Contains(t, loaded.LastFetched, types.IndustryOther)
}

func TestUpdateAbortsOnCallbackError(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "articles.json"))
	require.NoError(t, manager.Write(sampleSnapshot("keep")))

	boom := errors.New("boom")
	err := manager.Update(context.Background(), func(s *types.StoreSnapshot) error {
		s.Articles = nil
		return boom
	})
	assert.ErrorIs(t, err, boom)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "keep", loaded.Articles[0].Title)
}

func TestUpdateTimesOutWhenLocked(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "articles.json")
	holder := NewManager(snapshotPath)
	other := NewManager(snapshotPath)

	require.NoError(t, holder.lock.Lock())
	defer holder.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := other.Update(ctx, func(*types.StoreSnapshot) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLocked)
}

// ============================================================================
// 備份
// ============================================================================

func TestWriteWithBackupPrunes(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "articles.json"))
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	manager.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.WriteWithBackup(sampleSnapshot("v"), 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次執行（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Empty(t, loaded.Articles)
	assert.NotNil(t, loaded.LastFetched)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "articles.json")
	manager := NewManager(snapshotPath)

	invalid := types.StoreSnapshot{SchemaVer: 2}
	jsonBytes, err := json.MarshalIndent(invalid, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	err = manager.Update(context.Background(), func(*types.StoreSnapshot) error { return nil })
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "articles.json")
	manager := NewManager(snapshotPath)

	corrupted := `{"articles": [{"id": "1", "title": "half`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}
