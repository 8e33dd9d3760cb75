// Package logutil provides the single zap.Logger instance shared by
// every package in this module.
package logutil

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// InitLogger builds the process-wide logger. Call it once, early in
// main; every later GetLogger call returns the same instance.
func InitLogger() {
	once.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
}

// GetLogger returns the process-wide logger, building a development
// logger on first use if InitLogger was never called (useful in tests).
func GetLogger() *zap.Logger {
	once.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}
