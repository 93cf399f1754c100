package pmu

import "errors"

var (
	ErrUnsupportedVersion      = errors.New("pmu: global control registers require architectural version 2")
	ErrUnsupportedFixedCounter = errors.New("pmu: fixed-function counters require architectural version 2")
	ErrCounterOutOfRange       = errors.New("pmu: counter index out of range")
	ErrCounterInUse            = errors.New("pmu: counter already in use")
	ErrUnsupportedEvent        = errors.New("pmu: unsupported event encoding")
	ErrNotConfigured           = errors.New("pmu: counter has not been built")
	ErrCounterRunning          = errors.New("pmu: counter is running")
	ErrUnrecognizedOverflow    = errors.New("pmu: overflow status bit does not map to a counter")
	ErrThresholdOutOfRange     = errors.New("pmu: overflow threshold exceeds counter range")
)
