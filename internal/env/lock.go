package env

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// ErrDaemonRunning is returned by AcquireLock when another daemon holds the lock.
var ErrDaemonRunning = errors.New("daemon already running")

// DaemonLock guarantees a single daemon per home directory, so the state
// file only ever has one writer.
type DaemonLock struct {
	file *os.File
	path string
}

// AcquireLock 获取文件锁，非阻塞
// 如果已经被锁定，返回 ErrDaemonRunning
func AcquireLock(path string) (*DaemonLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, ErrDaemonRunning
	}

	return &DaemonLock{file: f, path: path}, nil
}

// IsLocked reports whether a daemon currently holds the lock at path.
func IsLocked(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		// 获取锁失败，说明正在运行
		return true
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false
}

// Release 释放锁 (保留锁文件)
func (l *DaemonLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
