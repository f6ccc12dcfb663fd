// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"crypto/rand"
	"sync"

	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

// Listener receives a snapshot after every committed Update.
type Listener func(snapshot Store)

// PasswordGenerator returns a new administrator password.
type PasswordGenerator func() string

// Controller owns the live Store.
//
// # Description
//
// All mutation goes through Update, which applies the change to a private
// copy, fills in a generated password if one is still missing, commits the
// copy, logs the reason, and notifies listeners with a snapshot. Readers only
// ever see snapshots, so a pipeline run holding one is unaffected by edits
// made while it is running.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners are called outside the lock, in
// registration order, on the goroutine that called Update.
type Controller struct {
	mu        sync.RWMutex
	store     Store
	revision  uint64
	listeners map[int]Listener
	nextID    int
	generate  PasswordGenerator
	logger    *logging.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithPasswordGenerator replaces the crypto/rand generator.
func WithPasswordGenerator(gen PasswordGenerator) ControllerOption {
	return func(c *Controller) { c.generate = gen }
}

// WithLogger sets the logger used to audit updates.
func WithLogger(logger *logging.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// NewController creates a Controller holding a copy of initial.
func NewController(initial Store, opts ...ControllerOption) *Controller {
	c := &Controller{
		listeners: make(map[int]Listener),
		generate:  rand.Text,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = initial.Clone()
	c.store.normalize()
	c.ensurePassword(&c.store)
	return c
}

// Snapshot returns a deep copy of the current settings.
func (c *Controller) Snapshot() Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Clone()
}

// Revision returns a counter incremented on every committed Update.
func (c *Controller) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Update applies mutate to the settings and commits the result.
//
// # Inputs
//
//   - reason: Short audit string, e.g. "settings set network.port".
//   - mutate: Edits the store in place. It receives a private copy.
//
// # Outputs
//
//   - Store: Snapshot of the committed settings.
func (c *Controller) Update(reason string, mutate func(*Store)) Store {
	c.mu.Lock()
	next := c.store.Clone()
	mutate(&next)
	next.normalize()
	c.ensurePassword(&next)
	c.store = next
	c.revision++
	rev := c.revision
	snapshot := c.store.Clone()
	listeners := c.orderedListeners()
	c.mu.Unlock()

	c.logger.Info("settings updated",
		"reason", reason,
		"revision", rev,
		"tier", snapshot.Tier.String(),
		"security", snapshot.Security.String(),
		"compliance", snapshot.Compliance.String(),
		"certificate", snapshot.Certificate.Strategy().String(),
		"sso", snapshot.SSO.Provider().String(),
	)

	for _, l := range listeners {
		l(snapshot.Clone())
	}
	return snapshot
}

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) orderedListeners() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if l, ok := c.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (c *Controller) ensurePassword(s *Store) {
	if gp, ok := s.Credentials.Password.(GeneratedPassword); ok && gp.Value == "" {
		s.Credentials.Password = GeneratedPassword{Value: c.generate()}
	}
}
