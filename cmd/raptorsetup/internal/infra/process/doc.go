// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains two main components:

  - Manager: Abstracts external process execution for testability
  - Locker: File-based locking so only one installer mutates an install
    directory at a time

# Manager

Every invocation of the server binary, systemctl or pgrep goes through
Manager so pipeline steps can be tested without real processes.

	pm := process.NewDefaultManager()
	out, err := pm.Run(ctx, "/opt/velociraptor/velociraptor", "config", "generate")
	if err != nil {
	    return fmt.Errorf("generate config: %w", err)
	}

For testing, use MockManager:

	mock := &process.MockManager{
	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
	        return []byte("version: {}\n"), nil
	    },
	}

# Locker

Locker uses flock(2) on {LockDir}/{LockName}.lock. The holder's PID is
written next to it for error messages.

	lock := process.NewLock(process.DefaultLockConfig())
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - Lock is NOT safe for concurrent use from multiple goroutines

# Limitations

  - Locks are advisory; a process that never checks can ignore them
  - Network filesystems may not honour flock(2)
*/
package process
