//go:build !unix

package config

import "os"

// Advisory locking is unix-only; elsewhere the lock file just exists.
func tryLock(file *os.File) (bool, error) { return true, nil }

func unlock(file *os.File) error { return nil }
