/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// The `teaconsole` CLI is the operator console for the tea shop admin API:
// signing in and out, OTP registration and password reset, and staff access
// editing.
//
// Usage:
//
//	teaconsole login                  sign in with email and password
//	teaconsole login google           sign in with a Google account
//	teaconsole whoami [--offline]     show the signed-in account
//	teaconsole status                 session state and token claims
//	teaconsole register               create an account (OTP)
//	teaconsole password forgot        reset a password (OTP)
//	teaconsole staff access <id>      edit an account's role and capabilities
//	teaconsole logout                 sign out
package main

import (
	"os"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	opts := &rootOptions{}
	cmd := newRootCmd(opts)
	if err := cmd.Execute(); err != nil {
		opts.report(cmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}
