package snapshot

// ============================================================================
// 職責說明：
// 1. 將文章庫狀態（文章、目前排序、各分區抓取時間）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 以檔案鎖（gofrs/flock）序列化多個 CLI 行程的讀寫
// 4. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrLocked              = errors.New("snapshot is locked by another process")
)

// Manager 快照管理器
type Manager struct {
	path string
	lock *flock.Flock // 跨行程鎖，檔名為 <path>.lock
	mu   sync.Mutex   // 行程內序列化
	now  func() time.Time
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
}

// Write 原子性寫入快照
//
// 流程：
//  1. 取得獨佔檔案鎖
//  2. 寫入臨時檔案（.tmp）並 fsync
//  3. os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.StoreSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDir(); err != nil {
		return err
	}
	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock snapshot: %w", err)
	}
	defer m.lock.Unlock()

	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.StoreSnapshot) error {
	data.SchemaVer = SchemaVersion
	data.SavedAt = m.now().UTC()

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳空快照（首次執行）
//   - 損壞的檔案回傳 ErrCorruptedSnapshot
//   - 版本不符回傳 ErrIncompatibleVersion
func (m *Manager) Load() (types.StoreSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(filepath.Dir(m.path)); err == nil {
		if err := m.lock.RLock(); err != nil {
			return types.StoreSnapshot{}, fmt.Errorf("failed to lock snapshot: %w", err)
		}
		defer m.lock.Unlock()
	}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.StoreSnapshot{
				SchemaVer:   SchemaVersion,
				LastFetched: make(map[types.Industry]time.Time),
			}, nil
		}
		return types.StoreSnapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.StoreSnapshot
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return types.StoreSnapshot{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return types.StoreSnapshot{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.LastFetched == nil {
		data.LastFetched = make(map[types.Industry]time.Time)
	}
	return data, nil
}

// Update 在同一把獨佔鎖內讀取、修改並寫回快照，
// 讓 fetch 與 personalize 兩個行程不會互相覆蓋
func (m *Manager) Update(ctx context.Context, fn func(*types.StoreSnapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDir(); err != nil {
		return err
	}
	locked, err := m.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to lock snapshot: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
	}
	defer m.lock.Unlock()

	data := types.StoreSnapshot{LastFetched: make(map[types.Industry]time.Time)}
	jsonBytes, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonBytes, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
		if data.SchemaVer != SchemaVersion {
			return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if data.LastFetched == nil {
		data.LastFetched = make(map[types.Industry]time.Time)
	}

	if err := fn(&data); err != nil {
		return err
	}
	return m.writeLocked(data)
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(data types.StoreSnapshot, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDir(); err != nil {
		return err
	}
	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock snapshot: %w", err)
	}
	defer m.lock.Unlock()

	if m.Exists() && keepBackups > 0 {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().UTC().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}
	return m.writeLocked(data)
}

// Backups 依時間由舊到新列出備份檔
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneBackups(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

func (m *Manager) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
