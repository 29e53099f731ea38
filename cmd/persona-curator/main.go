package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 建立並執行 internal/cli 的命令樹
// 3. 處理頂層錯誤與 panic recovery，依錯誤種類決定結束碼
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/persona-curator/internal/cli"
)

var (
	version = "dev" // 由 -ldflags "-X main.version=..." 注入
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
