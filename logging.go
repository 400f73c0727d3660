package main

import (
	"fmt"

	"go.uber.org/zap"
)

// newLogger builds the process logger: the development encoder at debug
// level when debug is set, JSON at info level otherwise.
func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("can't initialize zap logger: %w", err)
	}
	return logger.Sugar(), nil
}
