// Package testutil provides testing utilities, fixtures, and a mock time
// source for the authorization server packages.
package testutil
