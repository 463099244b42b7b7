// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import "time"

// SetPoolGrace shortens the close warning delay of p. Call before Close.
func SetPoolGrace(p *Pool, d time.Duration) {
	p.grace = d
}
