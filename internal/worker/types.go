package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// FetchFunc 抓取一個產業分區的文章
type FetchFunc func(ctx context.Context) ([]types.Article, error)

// Task 代表一次分區抓取
type Task struct {
	ID       string         // 任務唯一識別碼，對應 Result.TaskID
	Industry types.Industry // 抓取的產業分區
	Fetch    FetchFunc      // 實際的抓取邏輯
	Timeout  time.Duration  // 執行超時時間，0 表示不限制
}

// Result 代表一次抓取的結果
type Result struct {
	TaskID   string
	Industry types.Industry
	Articles []types.Article
	Error    error
	Duration time.Duration
}

// Success reports whether the fetch returned without error.
func (r Result) Success() bool { return r.Error == nil }
