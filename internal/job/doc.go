// Package job holds the job data model shared by storage, the executor and the API.
//
// Status only distinguishes pending, completed and failed. "Running" is not a
// status: a claimed job is a pending job with IsLocked set.
package job
