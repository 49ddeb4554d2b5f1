// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package auth implements account registration, email verification and
// login with lockout for AccessWard.
//
// # Domain Types
//
// Accounts should be created with NewAccount, which normalizes the email and
// validates the name. Direct struct initialization bypasses validation.
//
// # Lockout
//
// Failed password and login-code attempts share one counter per account.
// Reaching Policy.Threshold locks the account for Policy.Duration and resets
// the counter to 0. AccountRepository.RecordFailure applies this as a single
// atomic step so concurrent failures are never lost. Wrong verification codes
// are not counted.
//
// # Engine
//
// Engine coordinates the flows. It is created with NewEngine, which validates
// its collaborators. Every operation returns errors carrying one of the Code*
// constants; ErrorCode extracts it and maps anything unexpected to
// CodeInternal.
package auth
