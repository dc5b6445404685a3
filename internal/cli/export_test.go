package cli

import "context"

// SetProcessAlive 替换进程存活检查 (仅供测试使用)
func SetProcessAlive(fn func(ctx context.Context, pid int32) bool) func() {
	prev := processAlive
	processAlive = fn
	return func() { processAlive = prev }
}

// SetLocalCleanup 替换本地清理实现 (仅供测试使用)
func SetLocalCleanup(fn func(ctx context.Context, name string, keep ...int32) (int, error)) func() {
	prev := localCleanup
	localCleanup = fn
	return func() { localCleanup = prev }
}
