// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package notify delivers one-time codes and welcome notices to account
// holders. SMTPNotifier sends mail, LogNotifier writes codes to the log for
// development, and Bounded puts a deadline and retries around either.
package notify
