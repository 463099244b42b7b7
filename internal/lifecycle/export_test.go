// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import "time"

// SetHookTimeout shortens the hook bound so failure paths run quickly.
func SetHookTimeout(s *Service, d time.Duration) {
	s.hookTimeout = d
}
