// Package util provides common utility functions used across the authorization server.
//
// This package contains helper functions for string manipulation and scope
// set arithmetic that don't fit into domain-specific packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - ParseScope / JoinScopes: Convert between the space-delimited wire form and slices
//   - ScopesSubset / UnionScopes / IntersectScopes: Scope set arithmetic
package util
