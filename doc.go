// Copyright 2026 The avfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package avfs serves a virtual file system through the Coda kernel
// module. The kernel forwards file system requests for the mounted volume to
// a character device; a Dispatcher reads them, hands each to a worker
// process running as the requesting user, and turns the worker's answer
// back into a kernel reply.
//
// The primary elements of interest are:
//
//  *  Mount, which opens the device, starts a Dispatcher serving it and
//     mounts the volume.
//
//  *  Dispatcher, the single-threaded event loop that owns the cache of the
//     namespace the kernel knows about and the pool of workers.
//
//  *  The workerutil package, which contains the other side of the worker
//     contract: a Handler interface and a Serve function for use in worker
//     processes.
package avfs
