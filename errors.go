// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"fmt"
)

// ConfigurationError indicates contradictory or unusable parameters or
// inputs, e.g. an empty gene universe after filtering.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// NumericalError indicates a failed or degenerate numerical operation:
// rank deficiency, failed decomposition, zero variance where nonzero
// variance is required.
type NumericalError struct {
	msg string
}

func (e *NumericalError) Error() string { return e.msg }

func numericalErrorf(format string, args ...interface{}) error {
	return &NumericalError{msg: fmt.Sprintf(format, args...)}
}

// DataShapeError indicates mismatched sample or gene indices between
// inputs at a stage boundary. Stages check shapes before delegating to
// numerical primitives so a mismatch cannot silently produce a
// wrong-shaped result.
type DataShapeError struct {
	msg string
}

func (e *DataShapeError) Error() string { return e.msg }

func shapeErrorf(format string, args ...interface{}) error {
	return &DataShapeError{msg: fmt.Sprintf(format, args...)}
}

// stageError attaches the originating pipeline stage to an error.
func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stage, err)
}
