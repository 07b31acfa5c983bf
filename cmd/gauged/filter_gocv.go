//go:build gocv

package main

import (
	"log/slog"

	"github.com/tbazina/dimension-visual-inspection/internal/config"
	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/filter/cvfilter"
	"github.com/tbazina/dimension-visual-inspection/internal/session"
)

// newFilter returns the OpenCV candidate filter
func newFilter(fc config.FilterConfig) (filter.Filter, error) {
	f, err := cvfilter.New(session.FilterParams(fc))
	if err != nil {
		return nil, err
	}
	slog.Info("using opencv candidate filter")
	return f, nil
}
