// Package domain defines the types shared by the admission and masking
// pipeline: exchange stages, rejection errors, and the collaborator
// interfaces for the LLM client and the audit sink.
//
// The package depends only on the standard library. Infrastructure packages
// implement its interfaces; the dependency never points the other way.
package domain
