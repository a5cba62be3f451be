// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

// Version is the tool version; release builds override it through the
// linker.
var Version = "0.4.0"

// UserAgent identifies the tool on every wire request.
func UserAgent() string {
	return "scint/" + Version
}
