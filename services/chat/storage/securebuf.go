// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the reassembly buffer used when reconstructing
// oversized chunked payloads. Fragments are accumulated in mlocked memory so
// reconstructed artifacts are never swapped to disk, and are incrementally
// hashed so callers can verify integrity after a lossy reconstruction.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the minimum mlock limit required for secure reassembly
// of a full-size chunked payload.
const MinMlockLimitKB = 4096

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// initMemguard performs one-time memguard setup and checks whether the
// process mlock limit can hold a reassembly buffer.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()

		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("Could not read RLIMIT_MEMLOCK, assuming insecure memory", "error", err)
			mlockSufficient = false
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			mlockSufficient = true
			currentMlockLimitKB = -1
			return
		}
		currentMlockLimitKB = int64(rlimit.Cur / 1024)
		mlockSufficient = currentMlockLimitKB >= MinMlockLimitKB
		if !mlockSufficient {
			slog.Warn("mlock limit too low for secure payload reassembly",
				"limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// ReassemblyBuffer accumulates payload fragments during chunk
// reconstruction. Finalize returns the assembled bytes and their SHA-256
// hex digest, then wipes the buffer; the buffer cannot be reused after.
type ReassemblyBuffer interface {
	Write(fragment []byte) error
	Finalize() (payload []byte, checksum string, err error)
	Destroy()
}

// NewReassemblyBuffer allocates a buffer for a payload of the given size.
//
// The secure (mlocked) implementation is used when the system's mlock limit
// allows it; otherwise the caller gets a plain-memory fallback, with the
// downgrade logged once per process via initMemguard. Setting
// COVELINE_INSECURE_MEMORY=true also forces the fallback, which is useful
// in containers without CAP_IPC_LOCK.
func NewReassemblyBuffer(size int) (ReassemblyBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid reassembly buffer size %d", size)
	}
	initMemguard()

	if !mlockSufficient || os.Getenv("COVELINE_INSECURE_MEMORY") == "true" {
		return &insecureReassemblyBuffer{
			data:   make([]byte, 0, size),
			hasher: sha256.New(),
		}, nil
	}

	return &secureReassemblyBuffer{
		buffer: memguard.NewBuffer(size),
		hasher: sha256.New(),
	}, nil
}

// =============================================================================
// Secure implementation
// =============================================================================

type secureReassemblyBuffer struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	destroyed bool
}

func (b *secureReassemblyBuffer) Write(fragment []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("write to destroyed reassembly buffer")
	}
	if b.offset+len(fragment) > b.buffer.Size() {
		return fmt.Errorf("reassembly buffer overflow: %d + %d > %d",
			b.offset, len(fragment), b.buffer.Size())
	}
	copy(b.buffer.Bytes()[b.offset:], fragment)
	b.offset += len(fragment)
	b.hasher.Write(fragment)
	return nil
}

func (b *secureReassemblyBuffer) Finalize() ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, "", fmt.Errorf("finalize on destroyed reassembly buffer")
	}
	payload := make([]byte, b.offset)
	copy(payload, b.buffer.Bytes()[:b.offset])
	checksum := hex.EncodeToString(b.hasher.Sum(nil))
	b.buffer.Destroy()
	b.destroyed = true
	return payload, checksum, nil
}

func (b *secureReassemblyBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.destroyed {
		b.buffer.Destroy()
		b.destroyed = true
	}
}

// =============================================================================
// Insecure fallback
// =============================================================================

type insecureReassemblyBuffer struct {
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

func (b *insecureReassemblyBuffer) Write(fragment []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("write to destroyed reassembly buffer")
	}
	b.data = append(b.data, fragment...)
	b.hasher.Write(fragment)
	return nil
}

func (b *insecureReassemblyBuffer) Finalize() ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, "", fmt.Errorf("finalize on destroyed reassembly buffer")
	}
	payload := b.data
	b.data = nil
	b.destroyed = true
	return payload, hex.EncodeToString(b.hasher.Sum(nil)), nil
}

func (b *insecureReassemblyBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.destroyed = true
}
