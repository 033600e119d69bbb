// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package storage provides the saga.StateStore backends.
//
// Three implementations are available:
//
//   - MemoryStateStore: process-local, for tests and development
//   - RedisStateStore: Redis-backed, optimistic concurrency via WATCH/MULTI
//   - PostgresStateStore: PostgreSQL-backed, optimistic concurrency via a
//     conditional UPDATE on the version column
//
// Every backend implements the same conditional-write contract: UpdateSaga
// succeeds only when the stored version matches the version the caller
// read, and increments it on success. A rejected write surfaces as
// saga.ErrVersionConflict and is resolved by re-reading, never by blocking.
package storage
