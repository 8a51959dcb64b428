// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberd

import "time"

// ioManagerOptions holds configuration options for IOManager creation.
type ioManagerOptions struct {
	pollTimeoutCap time.Duration
	initialFDTable int
}

// IOManagerOption configures an IOManager instance.
type IOManagerOption interface {
	applyIOManager(*ioManagerOptions) error
}

// ioManagerOptionImpl implements IOManagerOption.
type ioManagerOptionImpl struct {
	applyIOManagerFunc func(*ioManagerOptions) error
}

func (o *ioManagerOptionImpl) applyIOManager(opts *ioManagerOptions) error {
	return o.applyIOManagerFunc(opts)
}

// WithPollTimeoutCap bounds how long an idle worker blocks in the poller's
// Wait call even when no timer is due sooner. Lower values make Stop and
// newly-armed timers more responsive at the cost of more wakeups; the
// default is maxPollTimeout.
func WithPollTimeoutCap(d time.Duration) IOManagerOption {
	return &ioManagerOptionImpl{func(opts *ioManagerOptions) error {
		if d > 0 {
			opts.pollTimeoutCap = d
		}
		return nil
	}}
}

// WithInitialFDTableSize sets the starting capacity of the IOManager's
// fd-indexed registration table, which otherwise grows by 1.5x as higher
// fds are seen. Sizing it to the expected connection count avoids a few
// early reallocations.
func WithInitialFDTableSize(n int) IOManagerOption {
	return &ioManagerOptionImpl{func(opts *ioManagerOptions) error {
		if n > 0 {
			opts.initialFDTable = n
		}
		return nil
	}}
}

// resolveIOManagerOptions applies IOManagerOption instances to ioManagerOptions.
func resolveIOManagerOptions(opts []IOManagerOption) (*ioManagerOptions, error) {
	cfg := &ioManagerOptions{
		pollTimeoutCap: maxPollTimeout,
		initialFDTable: 32,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // skip nil options gracefully
		}
		if err := opt.applyIOManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
