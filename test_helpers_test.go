package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 收集一次测试中 CLI 写入的 stdout/stderr。
type cliOutput struct {
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

// captureOutput 在测试期间把 stdOut/stdErr 替换为内存缓冲，结束时恢复。
func captureOutput(t *testing.T) *cliOutput {
	t.Helper()

	capture := &cliOutput{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = capture.out, capture.errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return capture
}

// configFixture 返回 internal/config/testdata 下的配置样例；go test 以包目录为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("找不到配置样例目录: %v", err)
	}
	return path
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
