//go:build !gocv

package main

import (
	"github.com/tbazina/dimension-visual-inspection/internal/config"
	"github.com/tbazina/dimension-visual-inspection/internal/filter"
)

// newFilter returns nil: the session uses the pure Go filter
func newFilter(config.FilterConfig) (filter.Filter, error) {
	return nil, nil
}
